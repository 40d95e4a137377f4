package expense

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/zombor/expense-tracker/internal/capture"
)

// maxUploadSize fits high-resolution phone photos
const maxUploadSize = int64(50 << 20)

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

// writeJSON writes v with the given status
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// writeError writes a JSON error body
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// handleListExpenses returns every expense in list order
func (s *Server) handleListExpenses(w http.ResponseWriter, r *http.Request) {
	expenses := s.coordinator.List()
	if expenses == nil {
		expenses = []Expense{}
	}
	writeJSON(w, http.StatusOK, expenses)
}

// handleGetExpense returns a single expense
func (s *Server) handleGetExpense(w http.ResponseWriter, r *http.Request) {
	e, ok := s.coordinator.Lookup(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "Expense not found")
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// handleSaveExpense creates an expense, or updates it when the body carries an ID
func (s *Server) handleSaveExpense(w http.ResponseWriter, r *http.Request) {
	var e Expense
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	status := http.StatusOK
	if e.ID == "" {
		status = http.StatusCreated
	}
	s.save(w, r, &e, status)
}

// handleUpdateExpense updates the expense named in the path
func (s *Server) handleUpdateExpense(w http.ResponseWriter, r *http.Request) {
	var e Expense
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	e.ID = r.PathValue("id")
	s.save(w, r, &e, http.StatusOK)
}

func (s *Server) save(w http.ResponseWriter, r *http.Request, e *Expense, status int) {
	if strings.TrimSpace(e.Title) == "" {
		writeError(w, http.StatusBadRequest, "Title is required")
		return
	}
	if e.Amount.IsNegative() {
		writeError(w, http.StatusBadRequest, "Amount must not be negative")
		return
	}

	saved, err := s.coordinator.Save(r.Context(), e)
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, "Expense not found")
		return
	}
	if errors.Is(err, capture.ErrUnknownCapture) {
		slog.Warn("Rejected receipt capture", "id", e.ID, "error", err)
		writeError(w, http.StatusBadRequest, "Receipt capture not found. Please capture the photo again.")
		return
	}
	if err != nil {
		slog.Error("Error saving expense", "id", e.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "Error saving expense")
		return
	}
	writeJSON(w, status, saved)
}

// handleDeleteExpense removes an expense. The optional position query
// parameter pins the list index the client saw.
func (s *Server) handleDeleteExpense(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	e, ok := s.coordinator.Lookup(id)
	if !ok {
		writeError(w, http.StatusNotFound, "Expense not found")
		return
	}

	position, _ := s.coordinator.Position(id)
	if raw := r.URL.Query().Get("position"); raw != "" {
		p, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid position")
			return
		}
		position = p
	}

	err := s.coordinator.Remove(r.Context(), e, position)
	switch {
	case err == nil, errors.Is(err, ErrOrphanedFile):
		// The expense is gone either way, the orphan is already logged
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, ErrPositionMismatch):
		writeError(w, http.StatusConflict, "Expense is not at the given position")
	default:
		slog.Error("Error deleting expense", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "Error deleting expense")
	}
}

// handleCaptureReceipt accepts a photo upload and spools it as a pending capture
func (s *Server) handleCaptureReceipt(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "File is too large. Maximum size is 50MB.")
			return
		}
		writeError(w, http.StatusBadRequest, "Error parsing form")
		return
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "No file was selected. Please choose a photo to upload.")
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", header.Filename)
		writeError(w, http.StatusInternalServerError, "Error reading file. Please try again.")
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = contentTypeFor(header.Filename)
	}

	captured, err := s.coordinator.CaptureReceipt(r.Context(), s.spool.Upload(data, contentType))
	if err != nil {
		slog.Error("Error capturing receipt", "filename", header.Filename, "error", err)
		if errors.Is(err, capture.ErrCancelled) {
			writeError(w, http.StatusBadRequest, "The uploaded photo is empty.")
			return
		}
		writeError(w, http.StatusBadRequest, "Could not process the uploaded photo. Please use a JPEG, PNG, HEIC or PDF file.")
		return
	}
	writeJSON(w, http.StatusOK, captured)
}

// handleGetCapture serves a spooled capture by its web path
func (s *Server) handleGetCapture(w http.ResponseWriter, r *http.Request) {
	data, err := s.spool.Open(r.PathValue("name"))
	if err != nil {
		writeError(w, http.StatusNotFound, "Capture not found")
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Write(data)
}

// handleAppFile serves device files behind native display URLs
func (s *Server) handleAppFile(w http.ResponseWriter, r *http.Request) {
	path := filepath.Clean("/" + strings.TrimPrefix(r.URL.Path, AppFilePrefix+"/"))
	if !s.allowedFile(path) {
		writeError(w, http.StatusNotFound, "File not found")
		return
	}
	http.ServeFile(w, r, path)
}

func (s *Server) allowedFile(path string) bool {
	for _, root := range s.fileRoots {
		if strings.HasPrefix(path, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func contentTypeFor(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".pdf":
		return "application/pdf"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	default:
		return "application/octet-stream"
	}
}
