package expense

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"regexp"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
	"github.com/shopspring/decimal"

	"github.com/zombor/expense-tracker/internal/capture"
	"github.com/zombor/expense-tracker/internal/scanning"
)

var _ = Describe("Server", func() {
	var (
		db          *mockDB
		analyzer    *mockAnalyzer
		service     *Service
		server      *Server
		auth        BasicAuth
		ghttpServer *ghttp.Server
		client      *http.Client
	)

	setupServer := func() {
		if ghttpServer != nil {
			ghttpServer.Close()
		}
		service = NewServiceWithDeps(db, analyzer, &mockIDGenerator{}, &mockTimeSource{now: time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)})
		server = NewServerWithMux(service, NewSessions(time.Hour), auth, http.NewServeMux())
		ghttpServer = ghttp.NewServer()
		for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions} {
			ghttpServer.RouteToHandler(method, regexp.MustCompile(`.*`), server.Handler().ServeHTTP)
		}

		jar, err := cookiejar.New(nil)
		Expect(err).NotTo(HaveOccurred())
		client = &http.Client{Jar: jar}
	}

	do := func(method, path string, body any) *http.Response {
		var reader io.Reader
		if body != nil {
			data, err := json.Marshal(body)
			Expect(err).NotTo(HaveOccurred())
			reader = bytes.NewReader(data)
		}
		req, err := http.NewRequest(method, ghttpServer.URL()+path, reader)
		Expect(err).NotTo(HaveOccurred())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := client.Do(req)
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	decode := func(resp *http.Response, v any) {
		defer resp.Body.Close()
		Expect(json.NewDecoder(resp.Body).Decode(v)).To(Succeed())
	}

	errorOf := func(resp *http.Response) string {
		var payload map[string]string
		decode(resp, &payload)
		return payload["error"]
	}

	BeforeEach(func() {
		db = newMockDB()
		analyzer = &mockAnalyzer{answer: receiptAnswer}
		auth = BasicAuth{}
		db.centers["c1"] = &Center{ID: "c1", Name: "Cantiere Milano", CreatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
		setupServer()
	})

	AfterEach(func() {
		if ghttpServer != nil {
			ghttpServer.Close()
		}
	})

	Describe("handleIndex", func() {
		It("serves the client", func() {
			resp := do(http.MethodGet, "/", nil)
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(body)).To(ContainSubstring("Gestione Spese"))
		})

		It("rejects other methods", func() {
			resp := do(http.MethodPost, "/", nil)
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusMethodNotAllowed))
		})

		It("serves the javascript modules", func() {
			resp := do(http.MethodGet, "/static/controllers/camera.js", nil)
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("application/javascript; charset=utf-8"))
		})

		It("serves the client for any other path", func() {
			resp := do(http.MethodGet, "/centri/cantiere", nil)
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(body)).To(ContainSubstring("Gestione Spese"))
		})

		It("ships a camera that never leaves a stream running", func() {
			resp := do(http.MethodGet, "/static/controllers/camera.js", nil)
			defer resp.Body.Close()
			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			source := string(body)

			// a second start while open or opening is a no-op
			Expect(source).To(ContainSubstring("if (this.active || this.starting) {"))
			// a stream whose playback failed is stopped before the next attempt
			Expect(source).To(MatchRegexp(`catch \(err\) \{[^}]*if \(stream\) \{\s*stream\.getTracks\(\)\.forEach\(\(track\) => track\.stop\(\)\);`))
		})

		It("disables the camera button while the camera is open", func() {
			resp := do(http.MethodGet, "/static/app.js", nil)
			defer resp.Body.Close()
			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(body)).To(ContainSubstring("$('camera-start').disabled = busy || state.cameraOpen || !state.centerId;"))
		})
	})

	Describe("CORS", func() {
		It("answers preflight requests", func() {
			resp := do(http.MethodOptions, "/api/centers", nil)
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
			Expect(resp.Header.Get("Access-Control-Allow-Methods")).To(ContainSubstring("PATCH"))
		})
	})

	Describe("handleAnalyze", func() {
		It("returns the raw model answer", func() {
			resp := do(http.MethodPost, "/api/analyze", imageRequest{Image: receiptImg.DataURL()})
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var payload map[string]string
			decode(resp, &payload)
			Expect(payload["analysis"]).To(Equal(receiptAnswer))
		})

		It("rejects non-POST methods with a JSON error", func() {
			resp := do(http.MethodGet, "/api/analyze", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusMethodNotAllowed))
			Expect(resp.Header.Get("Content-Type")).To(Equal("application/json"))
			Expect(errorOf(resp)).To(Equal("Method not allowed"))
		})

		It("reports provider failures as server errors", func() {
			analyzer.err = &scanning.ProviderError{Provider: "openai", Message: "quota exceeded"}
			resp := do(http.MethodPost, "/api/analyze", imageRequest{Image: receiptImg.DataURL()})
			Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
			Expect(errorOf(resp)).To(ContainSubstring("quota exceeded"))
		})

		It("rejects a body without image", func() {
			resp := do(http.MethodPost, "/api/analyze", map[string]string{})
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("centers", func() {
		It("lists centers", func() {
			resp := do(http.MethodGet, "/api/centers", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var centers []*Center
			decode(resp, &centers)
			Expect(centers).To(HaveLen(1))
			Expect(centers[0].Name).To(Equal("Cantiere Milano"))
		})

		It("creates a center and selects it", func() {
			resp := do(http.MethodPost, "/api/centers", map[string]string{"name": "Trasferta"})
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))
			var center Center
			decode(resp, &center)
			Expect(center.Name).To(Equal("Trasferta"))

			var state SessionState
			decode(do(http.MethodGet, "/api/session", nil), &state)
			Expect(state.SelectedCenter).To(Equal(center.ID))
		})

		It("rejects a blank name", func() {
			resp := do(http.MethodPost, "/api/centers", map[string]string{"name": " "})
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(errorOf(resp)).To(Equal("Il nome del centro di spesa è obbligatorio."))
		})

		It("refuses to delete a center with expenses", func() {
			db.expenses["e1"] = &Expense{ID: "e1", CenterID: "c1"}
			resp := do(http.MethodDelete, "/api/centers/c1", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusConflict))
			Expect(errorOf(resp)).To(ContainSubstring("contiene spese"))
		})

		It("deletes an empty center and clears the selection", func() {
			resp := do(http.MethodPut, "/api/session/center", map[string]string{"center_id": "c1"})
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			resp = do(http.MethodDelete, "/api/centers/c1", nil)
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))

			var state SessionState
			decode(do(http.MethodGet, "/api/session", nil), &state)
			Expect(state.SelectedCenter).To(BeEmpty())
		})
	})

	Describe("handleUploadReceipt", func() {
		When("no center is selected", func() {
			It("asks the user to select one", func() {
				resp := do(http.MethodPost, "/api/receipts", imageRequest{Image: receiptImg.DataURL()})
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(errorOf(resp)).To(Equal("Seleziona un centro di spesa prima di salvare."))
				Expect(analyzer.calls).To(Equal(0))
			})
		})

		When("a center is selected", func() {
			BeforeEach(func() {
				resp := do(http.MethodPut, "/api/session/center", map[string]string{"center_id": "c1"})
				resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
			})

			It("saves the extracted expense and returns the refreshed list", func() {
				resp := do(http.MethodPost, "/api/receipts", imageRequest{Image: receiptImg.DataURL()})
				Expect(resp.StatusCode).To(Equal(http.StatusCreated))

				var payload receiptResponse
				decode(resp, &payload)
				Expect(payload.Expense.Merchant).To(Equal("Coop"))
				Expect(payload.Expenses).To(HaveLen(1))
				Expect(payload.Total).To(Equal("25.99"))
			})

			It("accepts a multipart upload", func() {
				body := &bytes.Buffer{}
				writer := multipart.NewWriter(body)
				part, err := writer.CreateFormFile("file", "scontrino.jpg")
				Expect(err).NotTo(HaveOccurred())
				_, err = part.Write([]byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00})
				Expect(err).NotTo(HaveOccurred())
				Expect(writer.Close()).To(Succeed())

				req, err := http.NewRequest(http.MethodPost, ghttpServer.URL()+"/api/receipts", body)
				Expect(err).NotTo(HaveOccurred())
				req.Header.Set("Content-Type", writer.FormDataContentType())
				resp, err := client.Do(req)
				Expect(err).NotTo(HaveOccurred())
				resp.Body.Close()

				Expect(resp.StatusCode).To(Equal(http.StatusCreated))
				Expect(analyzer.lastImg.MIMEType).To(Equal("image/jpeg"))
			})

			It("reports a missing file", func() {
				body := &bytes.Buffer{}
				writer := multipart.NewWriter(body)
				Expect(writer.WriteField("note", "nothing here")).To(Succeed())
				Expect(writer.Close()).To(Succeed())

				req, err := http.NewRequest(http.MethodPost, ghttpServer.URL()+"/api/receipts", body)
				Expect(err).NotTo(HaveOccurred())
				req.Header.Set("Content-Type", writer.FormDataContentType())
				resp, err := client.Do(req)
				Expect(err).NotTo(HaveOccurred())

				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(errorOf(resp)).To(Equal("Nessun file selezionato."))
			})

			It("reports provider failures inline", func() {
				analyzer.err = &scanning.ProviderError{Provider: "openai", Message: "service unavailable"}
				resp := do(http.MethodPost, "/api/receipts", imageRequest{Image: receiptImg.DataURL()})
				Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
				Expect(errorOf(resp)).To(Equal("Errore durante l'analisi dello scontrino: service unavailable"))
				Expect(db.expenses).To(BeEmpty())
			})

			It("reports store failures inline", func() {
				db.createErr = errors.New("disk full")
				resp := do(http.MethodPost, "/api/receipts", imageRequest{Image: receiptImg.DataURL()})
				Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
				Expect(errorOf(resp)).To(ContainSubstring("Errore nel salvataggio della spesa"))
			})

			It("reports a taken id as a conflict", func() {
				db.createErr = fmt.Errorf("expense id-1: %w", ErrAlreadyExists)
				resp := do(http.MethodPost, "/api/receipts", imageRequest{Image: receiptImg.DataURL()})
				Expect(resp.StatusCode).To(Equal(http.StatusConflict))
				Expect(errorOf(resp)).To(Equal("Elemento già esistente."))
			})
		})
	})

	Describe("expenses", func() {
		BeforeEach(func() {
			db.expenses["e1"] = &Expense{ID: "e1", CenterID: "c1", Category: "Bar", Amount: decimal.RequireFromString("10.50"), Merchant: "Caffè", ExpenseDate: date(2024, 1, 2), ReceiptImage: receiptImg.DataURL()}
			db.expenses["e2"] = &Expense{ID: "e2", CenterID: "c1", Category: "Taxi", Amount: decimal.RequireFromString("5.25"), Merchant: "Radio Taxi", ExpenseDate: date(2024, 1, 3)}
		})

		It("lists a center's expenses with their total", func() {
			resp := do(http.MethodGet, "/api/centers/c1/expenses", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var payload expenseListResponse
			decode(resp, &payload)
			Expect(payload.Expenses).To(HaveLen(2))
			Expect(payload.Expenses[0].ID).To(Equal("e2"))
			Expect(payload.Total).To(Equal("15.75"))
		})

		It("returns 404 for an unknown center", func() {
			resp := do(http.MethodGet, "/api/centers/missing/expenses", nil)
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})

		It("updates an expense", func() {
			resp := do(http.MethodPut, "/api/expenses/e1", map[string]any{
				"category":     "Bar",
				"amount":       "11.00",
				"description":  "Colazione",
				"merchant":     "Caffè Roma",
				"expense_date": "2024-01-02",
			})
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var expense Expense
			decode(resp, &expense)
			Expect(expense.Merchant).To(Equal("Caffè Roma"))
			Expect(db.expenses["e1"].Amount.StringFixed(2)).To(Equal("11.00"))
		})

		It("rejects an update without merchant", func() {
			resp := do(http.MethodPut, "/api/expenses/e1", map[string]any{"category": "Bar", "amount": 3, "merchant": ""})
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(errorOf(resp)).To(Equal("L'azienda è obbligatoria."))
		})

		It("deletes an expense", func() {
			resp := do(http.MethodDelete, "/api/expenses/e2", nil)
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(db.expenses).NotTo(HaveKey("e2"))
		})

		It("serves the receipt image", func() {
			resp := do(http.MethodGet, "/api/expenses/e1/receipt", nil)
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("image/jpeg"))
			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(body).To(Equal(receiptImg.Data))
		})

		It("reports an expense without receipt image", func() {
			resp := do(http.MethodGet, "/api/expenses/e2/receipt", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			Expect(errorOf(resp)).To(Equal("Nessuna immagine disponibile per questo scontrino."))
		})

		It("exports the center as a spreadsheet", func() {
			resp := do(http.MethodGet, "/api/centers/c1/export", nil)
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal(XLSXContentType))
			Expect(resp.Header.Get("Content-Disposition")).To(ContainSubstring("spese_Cantiere_Milano.xlsx"))
		})
	})

	Describe("export of an empty center", func() {
		It("is refused with a message", func() {
			resp := do(http.MethodGet, "/api/centers/c1/export", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(errorOf(resp)).To(Equal("Nessuna spesa da esportare."))
		})
	})

	Describe("editing through the session", func() {
		BeforeEach(func() {
			db.centers["c2"] = &Center{ID: "c2", Name: "Ufficio"}
			db.expenses["e1"] = &Expense{ID: "e1", CenterID: "c1", Category: "Bar", Amount: decimal.RequireFromString("3"), Merchant: "Caffè"}
			resp := do(http.MethodPut, "/api/session/center", map[string]string{"center_id": "c1"})
			resp.Body.Close()
		})

		It("edits, updates and saves a draft", func() {
			resp := do(http.MethodPut, "/api/session/editing", map[string]string{"expense_id": "e1"})
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			resp = do(http.MethodPatch, "/api/session/editing", map[string]any{"category": "Bar", "amount": "3.80", "merchant": "Caffè Centrale"})
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			resp = do(http.MethodPost, "/api/session/editing/save", nil)
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(db.expenses["e1"].Merchant).To(Equal("Caffè Centrale"))

			var state SessionState
			decode(do(http.MethodGet, "/api/session", nil), &state)
			Expect(state.Editing).To(BeNil())
		})

		It("discards the draft when another center is selected", func() {
			resp := do(http.MethodPut, "/api/session/editing", map[string]string{"expense_id": "e1"})
			resp.Body.Close()
			resp = do(http.MethodPatch, "/api/session/editing", map[string]any{"category": "Bar", "amount": "99", "merchant": "Leaked"})
			resp.Body.Close()

			resp = do(http.MethodPut, "/api/session/center", map[string]string{"center_id": "c2"})
			resp.Body.Close()

			resp = do(http.MethodPost, "/api/session/editing/save", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusConflict))
			Expect(errorOf(resp)).To(Equal("Nessuna spesa in modifica."))
			Expect(db.expenses["e1"].Merchant).To(Equal("Caffè"))
		})

		It("cancels a draft", func() {
			resp := do(http.MethodPut, "/api/session/editing", map[string]string{"expense_id": "e1"})
			resp.Body.Close()
			resp = do(http.MethodDelete, "/api/session/editing", nil)
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))

			var state SessionState
			decode(do(http.MethodGet, "/api/session", nil), &state)
			Expect(state.Editing).To(BeNil())
		})
	})

	Describe("metrics", func() {
		It("exposes the prometheus registry", func() {
			resp := do(http.MethodGet, "/metrics", nil)
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(body)).To(ContainSubstring("expense_tracker_exports_generated_total"))
		})
	})

	Describe("authentication", func() {
		BeforeEach(func() {
			auth = BasicAuth{Username: "mario", Password: "segreto"}
			setupServer()
		})

		It("rejects requests without credentials", func() {
			resp := do(http.MethodGet, "/api/centers", nil)
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			Expect(resp.Header.Get("WWW-Authenticate")).To(ContainSubstring("Basic"))
		})

		It("accepts valid credentials", func() {
			req, err := http.NewRequest(http.MethodGet, ghttpServer.URL()+"/api/centers", nil)
			Expect(err).NotTo(HaveOccurred())
			req.SetBasicAuth("mario", "segreto")
			resp, err := client.Do(req)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})
	})
})

var _ = Describe("readReceiptImage", func() {
	It("treats a bare base64 payload as jpeg", func() {
		body := bytes.NewBufferString(`{"image": "AAEC"}`)
		req, err := http.NewRequest(http.MethodPost, "/api/receipts", body)
		Expect(err).NotTo(HaveOccurred())
		req.Header.Set("Content-Type", "application/json")

		img, err := readReceiptImage(httptest.NewRecorder(), req)
		Expect(err).NotTo(HaveOccurred())
		Expect(img).To(Equal(capture.Image{MIMEType: "image/jpeg", Data: []byte{0, 1, 2}}))
	})
})
