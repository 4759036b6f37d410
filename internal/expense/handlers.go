package expense

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strconv"

	"github.com/zombor/expense-tracker/internal/capture"
	"github.com/zombor/expense-tracker/internal/scanning"
)

// maxUploadSize bounds request bodies carrying receipt images (high-resolution phone photos)
const maxUploadSize = int64(50 << 20)

// imageRequest is the JSON body carrying an encoded image
type imageRequest struct {
	Image string `json:"image"`
}

// expenseListResponse is a center's expenses with their total
type expenseListResponse struct {
	Expenses []*Expense `json:"expenses"`
	Total    string     `json:"total"`
}

// receiptResponse is the saved expense with the refreshed list of its center
type receiptResponse struct {
	Expense  *Expense   `json:"expense"`
	Expenses []*Expense `json:"expenses"`
	Total    string     `json:"total"`
}

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

// writeJSON writes v as a JSON response with the given status
func writeJSON(w http.ResponseWriter, code int, v any) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// writeError writes an {"error": message} response
func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}

// writeServiceError maps service errors to a status code and a message for
// the user. Unexpected errors are reported as action: cause.
func writeServiceError(w http.ResponseWriter, err error, action string) {
	var (
		validationErr *ValidationError
		providerErr   *scanning.ProviderError
	)
	switch {
	case errors.As(err, &validationErr):
		writeError(w, http.StatusBadRequest, validationErr.Message)
	case errors.Is(err, ErrNoCenterSelected):
		writeError(w, http.StatusBadRequest, "Seleziona un centro di spesa prima di salvare.")
	case errors.Is(err, capture.ErrEmptyImage):
		writeError(w, http.StatusBadRequest, "Nessuna immagine fornita.")
	case errors.Is(err, ErrNothingToExport):
		writeError(w, http.StatusBadRequest, "Nessuna spesa da esportare.")
	case errors.Is(err, ErrNoReceiptImage):
		writeError(w, http.StatusNotFound, "Nessuna immagine disponibile per questo scontrino.")
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "Elemento non trovato.")
	case errors.Is(err, ErrCenterNotEmpty):
		writeError(w, http.StatusConflict, "Impossibile eliminare un centro di spesa che contiene spese.")
	case errors.Is(err, ErrAlreadyExists):
		writeError(w, http.StatusConflict, "Elemento già esistente.")
	case errors.Is(err, ErrAnalysisInFlight):
		writeError(w, http.StatusConflict, "Analisi già in corso, attendere il risultato.")
	case errors.Is(err, ErrNotEditing):
		writeError(w, http.StatusConflict, "Nessuna spesa in modifica.")
	case errors.Is(err, ErrOutsideCenter):
		writeError(w, http.StatusConflict, "La spesa non appartiene al centro selezionato.")
	case errors.As(err, &providerErr):
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Errore durante l'analisi dello scontrino: %s", providerErr.Message))
	default:
		slog.Error(action, "error", err)
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("%s: %s", action, err))
	}
}

// decodeJSON decodes the request body into v
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	return dec.Decode(v)
}

// handleIndex serves the HTML interface
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(indexHTML)
}

// handleAnalyze sends an image to the vision model and returns its raw answer
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	var req imageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Richiesta non valida")
		return
	}
	img, err := capture.ParseDataURL(req.Image)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Immagine non valida")
		return
	}

	analysis, err := s.service.AnalyzeImage(r.Context(), img)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"analysis": analysis})
}

// handleListCenters returns all expense centers
func (s *Server) handleListCenters(w http.ResponseWriter, r *http.Request) {
	centers, err := s.service.ListCenters(r.Context())
	if err != nil {
		writeServiceError(w, err, "Errore nel caricamento dei centri di spesa")
		return
	}
	writeJSON(w, http.StatusOK, centers)
}

// handleCreateCenter creates a center and selects it for the session
func (s *Server) handleCreateCenter(w http.ResponseWriter, r *http.Request, sess *Session) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Richiesta non valida")
		return
	}

	center, err := s.service.CreateCenter(r.Context(), req.Name)
	if err != nil {
		writeServiceError(w, err, "Errore nella creazione del centro di spesa")
		return
	}
	sess.SelectCenter(center.ID)

	writeJSON(w, http.StatusCreated, center)
}

// handleDeleteCenter deletes an empty center
func (s *Server) handleDeleteCenter(w http.ResponseWriter, r *http.Request, sess *Session) {
	id := r.PathValue("id")
	if err := s.service.DeleteCenter(r.Context(), id); err != nil {
		writeServiceError(w, err, "Errore nella cancellazione del centro di spesa")
		return
	}
	if sess.SelectedCenter() == id {
		sess.SelectCenter("")
	}

	setCORSHeaders(w)
	w.WriteHeader(http.StatusNoContent)
}

// handleListExpenses returns a center's expenses and their total
func (s *Server) handleListExpenses(w http.ResponseWriter, r *http.Request) {
	expenses, err := s.service.ListExpenses(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err, "Errore nel caricamento delle spese")
		return
	}
	writeJSON(w, http.StatusOK, expenseListResponse{
		Expenses: expenses,
		Total:    Total(expenses).StringFixed(2),
	})
}

// handleExportCenter downloads a center's expenses as a spreadsheet
func (s *Server) handleExportCenter(w http.ResponseWriter, r *http.Request) {
	workbook, err := s.service.ExportCenter(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err, "Errore durante l'esportazione")
		return
	}

	setCORSHeaders(w)
	w.Header().Set("Content-Type", XLSXContentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": workbook.Filename}))
	w.Header().Set("Content-Length", strconv.Itoa(len(workbook.Data)))
	w.Write(workbook.Data)
}

// readReceiptImage extracts the image from a multipart upload or a JSON body
func readReceiptImage(w http.ResponseWriter, r *http.Request) (capture.Image, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		var req imageRequest
		if err := decodeJSON(r, &req); err != nil {
			return capture.Image{}, fmt.Errorf("decoding body: %w", err)
		}
		return capture.ParseDataURL(req.Image)
	}

	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		return capture.Image{}, fmt.Errorf("parsing form: %w", err)
	}
	f, header, err := r.FormFile("file")
	if err != nil {
		return capture.Image{}, fmt.Errorf("getting file from form: %w", err)
	}
	defer f.Close()

	return capture.FromReader(f, header.Filename, header.Header.Get("Content-Type"))
}

// handleUploadReceipt runs a receipt through the extraction pipeline
func (s *Server) handleUploadReceipt(w http.ResponseWriter, r *http.Request, sess *Session) {
	img, err := readReceiptImage(w, r)
	if err != nil {
		slog.Error("Error reading receipt image", "error", err)
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, "Il file è troppo grande. La dimensione massima è 50MB.")
		case errors.Is(err, http.ErrMissingFile):
			writeError(w, http.StatusBadRequest, "Nessun file selezionato.")
		case errors.Is(err, capture.ErrEmptyImage):
			writeError(w, http.StatusBadRequest, "Nessuna immagine fornita.")
		default:
			writeError(w, http.StatusBadRequest, "Immagine non valida")
		}
		return
	}

	expense, err := s.service.ProcessReceipt(r.Context(), sess, img)
	if err != nil {
		writeServiceError(w, err, "Errore nel salvataggio della spesa")
		return
	}

	// Refresh the center's list; a failure here does not undo the save
	expenses, err := s.service.ListExpenses(r.Context(), expense.CenterID)
	if err != nil {
		slog.Warn("Error refreshing expenses", "center", expense.CenterID, "error", err)
		expenses = []*Expense{expense}
	}

	writeJSON(w, http.StatusCreated, receiptResponse{
		Expense:  expense,
		Expenses: expenses,
		Total:    Total(expenses).StringFixed(2),
	})
}

// handleUpdateExpense replaces the editable fields of an expense
func (s *Server) handleUpdateExpense(w http.ResponseWriter, r *http.Request) {
	var fields ExpenseFields
	if err := decodeJSON(r, &fields); err != nil {
		writeError(w, http.StatusBadRequest, "Richiesta non valida")
		return
	}

	expense, err := s.service.UpdateExpense(r.Context(), r.PathValue("id"), fields)
	if err != nil {
		writeServiceError(w, err, "Errore nell'aggiornamento della spesa")
		return
	}
	writeJSON(w, http.StatusOK, expense)
}

// handleDeleteExpense deletes an expense
func (s *Server) handleDeleteExpense(w http.ResponseWriter, r *http.Request, sess *Session) {
	id := r.PathValue("id")
	if err := s.service.DeleteExpense(r.Context(), id); err != nil {
		writeServiceError(w, err, "Errore nella cancellazione della spesa")
		return
	}
	sess.finishEdit(id)

	setCORSHeaders(w)
	w.WriteHeader(http.StatusNoContent)
}

// handleGetReceiptImage returns the receipt image of an expense
func (s *Server) handleGetReceiptImage(w http.ResponseWriter, r *http.Request) {
	img, err := s.service.GetReceiptImage(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err, "Errore nel caricamento dell'immagine")
		return
	}

	setCORSHeaders(w)
	w.Header().Set("Content-Type", img.MIMEType)
	w.Write(img.Data)
}

// handleGetSession returns the session state
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request, sess *Session) {
	writeJSON(w, http.StatusOK, sess.State())
}

// handleSelectCenter switches the selected center
func (s *Server) handleSelectCenter(w http.ResponseWriter, r *http.Request, sess *Session) {
	var req struct {
		CenterID string `json:"center_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Richiesta non valida")
		return
	}

	if err := s.service.SelectCenter(r.Context(), sess, req.CenterID); err != nil {
		writeServiceError(w, err, "Errore nella selezione del centro di spesa")
		return
	}
	writeJSON(w, http.StatusOK, sess.State())
}

// handleBeginEdit loads an expense into the session draft
func (s *Server) handleBeginEdit(w http.ResponseWriter, r *http.Request, sess *Session) {
	var req struct {
		ExpenseID string `json:"expense_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Richiesta non valida")
		return
	}

	draft, err := s.service.BeginEdit(r.Context(), sess, req.ExpenseID)
	if err != nil {
		writeServiceError(w, err, "Errore nel caricamento della spesa")
		return
	}
	writeJSON(w, http.StatusOK, draft)
}

// handleUpdateDraft changes the fields of the session draft
func (s *Server) handleUpdateDraft(w http.ResponseWriter, r *http.Request, sess *Session) {
	var fields ExpenseFields
	if err := decodeJSON(r, &fields); err != nil {
		writeError(w, http.StatusBadRequest, "Richiesta non valida")
		return
	}

	if err := sess.UpdateDraft(fields); err != nil {
		writeServiceError(w, err, "Errore nella modifica della spesa")
		return
	}
	writeJSON(w, http.StatusOK, sess.Editing())
}

// handleCancelEdit discards the session draft
func (s *Server) handleCancelEdit(w http.ResponseWriter, r *http.Request, sess *Session) {
	sess.CancelEdit()
	setCORSHeaders(w)
	w.WriteHeader(http.StatusNoContent)
}

// handleSaveEdit writes the session draft
func (s *Server) handleSaveEdit(w http.ResponseWriter, r *http.Request, sess *Session) {
	expense, err := s.service.SaveEdit(r.Context(), sess)
	if err != nil {
		writeServiceError(w, err, "Errore nell'aggiornamento della spesa")
		return
	}
	writeJSON(w, http.StatusOK, expense)
}
