package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/manabu-ai/manabu/internal/assistant"
	"github.com/manabu-ai/manabu/internal/llm"
)

// maxUploadBytes bounds the in-memory part of a multipart upload.
const maxUploadBytes = 64 << 20

type askRequest struct {
	Question string        `json:"question"`
	CourseID string        `json:"course_id"`
	History  []llm.Message `json:"history,omitempty"`
	Stream   bool          `json:"stream,omitempty"`
}

// streamEvent is one newline-delimited JSON line of a streamed ask response.
// Delta lines carry answer fragments; the final line carries the full answer.
type streamEvent struct {
	Delta  string `json:"delta,omitempty"`
	Answer any    `json:"answer,omitempty"`
}

type uploadFileResponse struct {
	Filename   string `json:"filename"`
	ChunkCount int    `json:"chunk_count,omitempty"`
	Error      string `json:"error,omitempty"`
}

type uploadResponse struct {
	CourseID string               `json:"course_id"`
	Files    []uploadFileResponse `json:"files"`
}

// handleUpload indexes the files of a multipart form under the course in the
// URL. Files fail independently: the response reports each file's outcome and
// the status is 201 only when every file succeeded.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	courseID := chi.URLParam(r, "courseID")
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		s.respondError(w, http.StatusBadRequest, "no files in form field 'files'")
		return
	}
	docType := r.FormValue("doc_type")

	files := make([]assistant.File, 0, len(headers))
	for _, h := range headers {
		f, err := h.Open()
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "cannot read file "+h.Filename)
			return
		}
		content, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "cannot read file "+h.Filename)
			return
		}
		files = append(files, assistant.File{
			Content:  content,
			Filename: h.Filename,
			CourseID: courseID,
			DocType:  docType,
		})
	}

	results := s.assistant.UploadAll(r.Context(), files)
	resp := uploadResponse{CourseID: courseID}
	allOK := true
	for _, res := range results {
		fr := uploadFileResponse{Filename: res.Filename}
		if res.Err != nil {
			fr.Error = res.Err.Error()
			allOK = false
		} else {
			fr.ChunkCount = res.Result.ChunkCount
			resp.CourseID = res.Result.CourseID
		}
		resp.Files = append(resp.Files, fr)
	}

	status := http.StatusCreated
	if !allOK {
		status = http.StatusOK
	}
	s.respondJSON(w, status, resp)
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.logger.Debug("ask request",
		zap.String("question", req.Question),
		zap.String("course", req.CourseID))

	if req.Stream {
		s.streamAsk(w, r, req)
		return
	}

	answer, err := s.assistant.Ask(r.Context(), req.Question, req.CourseID, req.History)
	if err != nil {
		if errors.Is(err, assistant.ErrEmptyQuestion) {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("ask failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, answer)
}

// streamAsk writes the answer as newline-delimited JSON: one delta event per
// generated fragment, then a final event with the complete answer. Errors that
// precede generation are reported with a normal error status.
func (s *Server) streamAsk(w http.ResponseWriter, r *http.Request, req askRequest) {
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	started := false

	answer, err := s.assistant.AskStream(r.Context(), req.Question, req.CourseID, req.History, func(delta string) {
		if !started {
			w.Header().Set("Content-Type", "application/x-ndjson")
			w.WriteHeader(http.StatusOK)
			started = true
		}
		_ = enc.Encode(streamEvent{Delta: delta})
		if flusher != nil {
			flusher.Flush()
		}
	})
	if err != nil {
		if started {
			s.logger.Error("ask stream failed", zap.Error(err))
			return
		}
		if errors.Is(err, assistant.ErrEmptyQuestion) {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("ask failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !started {
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(http.StatusOK)
	}
	_ = enc.Encode(streamEvent{Answer: answer})
	if flusher != nil {
		flusher.Flush()
	}
}

func (s *Server) handleRelevance(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	report, err := s.assistant.CheckRelevance(r.Context(), req.Question, req.CourseID)
	if err != nil {
		if errors.Is(err, assistant.ErrEmptyQuestion) {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("relevance check failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, report)
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := s.assistant.ListDocuments(r.Context(), r.URL.Query().Get("course_id"))
	if err != nil {
		s.logger.Error("list documents failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"documents": docs})
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	courseID := r.URL.Query().Get("course_id")
	sourceFile := r.URL.Query().Get("source_file")
	if courseID == "" || sourceFile == "" {
		s.respondError(w, http.StatusBadRequest, "course_id and source_file are required")
		return
	}
	s.logger.Debug("delete document request",
		zap.String("course", courseID),
		zap.String("file", sourceFile))
	if err := s.assistant.DeleteDocument(r.Context(), courseID, sourceFile); err != nil {
		s.logger.Error("deletion failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleCourses(w http.ResponseWriter, r *http.Request) {
	courses, err := s.assistant.Courses(r.Context())
	if err != nil {
		s.logger.Error("list courses failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"courses": courses})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := s.assistant.Stats(r.Context())
	if err != nil {
		s.logger.Error("status failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
