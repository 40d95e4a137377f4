package expense

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/expense-tracker/internal/capture"
)

func samplePNG() []byte {
	var buf bytes.Buffer
	Expect(png.Encode(&buf, image.NewGray(image.Rect(0, 0, 2, 2)))).To(Succeed())
	return buf.Bytes()
}

func multipartBody(field, filename string, content []byte) (*bytes.Buffer, string) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	if field != "" {
		part, err := writer.CreateFormFile(field, filename)
		Expect(err).NotTo(HaveOccurred())
		_, err = part.Write(content)
		Expect(err).NotTo(HaveOccurred())
	}
	Expect(writer.Close()).To(Succeed())
	return body, writer.FormDataContentType()
}

var _ = Describe("Server", func() {
	var (
		store       *mockStore
		files       *mockFiles
		spool       *capture.Spool
		auth        BasicAuth
		coordinator *Coordinator
		server      *Server
		ghttpServer *ghttp.Server
	)

	BeforeEach(func() {
		store = &mockStore{}
		files = newMockFiles()
		auth = BasicAuth{}
		var err error
		spool, err = capture.NewSpool(GinkgoT().TempDir(), "/captures")
		Expect(err).NotTo(HaveOccurred())
	})

	JustBeforeEach(func() {
		coordinator = NewCoordinatorWithDeps(store, files, NewNative(testBaseURL, spool), nil,
			&mockIDGenerator{}, &mockTimeSource{now: time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)})
		_, err := coordinator.Load(context.Background())
		Expect(err).NotTo(HaveOccurred())

		server = NewServerWithMux(coordinator, spool, auth, http.NewServeMux(), spool.Dir())
		ghttpServer = ghttp.NewServer()
		for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions} {
			ghttpServer.RouteToHandler(method, regexp.MustCompile(`.*`), server.ServeHTTP)
		}
	})

	AfterEach(func() {
		if ghttpServer != nil {
			ghttpServer.Close()
		}
	})

	do := func(method, path string, body io.Reader, contentType string) *http.Response {
		req, err := http.NewRequest(method, ghttpServer.URL()+path, body)
		Expect(err).NotTo(HaveOccurred())
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(resp.Body.Close)
		return resp
	}

	decode := func(resp *http.Response, v any) {
		Expect(json.NewDecoder(resp.Body).Decode(v)).To(Succeed())
	}

	Describe("handleListExpenses", func() {
		When("no expenses exist", func() {
			It("should return an empty array", func() {
				resp := do(http.MethodGet, "/api/expenses", nil, "")
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				Expect(resp.Header.Get("Content-Type")).To(Equal("application/json"))
				body, err := io.ReadAll(resp.Body)
				Expect(err).NotTo(HaveOccurred())
				Expect(strings.TrimSpace(string(body))).To(Equal("[]"))
			})
		})

		When("expenses exist", func() {
			BeforeEach(func() {
				store.expenses = []Expense{{ID: "a", Title: "Lunch"}, {ID: "b", Title: "Taxi"}}
			})

			It("should return them in list order", func() {
				var expenses []Expense
				decode(do(http.MethodGet, "/api/expenses", nil, ""), &expenses)
				Expect(expenses).To(HaveLen(2))
				Expect(expenses[0].ID).To(Equal("a"))
			})
		})
	})

	Describe("handleGetExpense", func() {
		BeforeEach(func() {
			store.expenses = []Expense{{ID: "a", Title: "Lunch"}}
		})

		It("should return the expense", func() {
			resp := do(http.MethodGet, "/api/expenses/a", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var e Expense
			decode(resp, &e)
			Expect(e.Title).To(Equal("Lunch"))
		})

		It("should return 404 for an unknown ID", func() {
			resp := do(http.MethodGet, "/api/expenses/nope", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	Describe("handleSaveExpense", func() {
		It("should create an expense without an ID", func() {
			resp := do(http.MethodPost, "/api/expenses", strings.NewReader(`{"title":"Lunch","amount":"12.50"}`), "application/json")
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))
			var e Expense
			decode(resp, &e)
			Expect(e.ID).To(Equal("id-1"))
			Expect(e.Amount.String()).To(Equal("12.5"))
			Expect(coordinator.List()).To(HaveLen(1))
		})

		It("should reject a missing title", func() {
			resp := do(http.MethodPost, "/api/expenses", strings.NewReader(`{"amount":"1"}`), "application/json")
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("should reject a negative amount", func() {
			resp := do(http.MethodPost, "/api/expenses", strings.NewReader(`{"title":"Refund","amount":"-3"}`), "application/json")
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("should reject malformed JSON", func() {
			resp := do(http.MethodPost, "/api/expenses", strings.NewReader(`{`), "application/json")
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		When("the receipt points at a file the server did not capture", func() {
			var outside string

			BeforeEach(func() {
				outside = filepath.Join(GinkgoT().TempDir(), "secret.txt")
				Expect(os.WriteFile(outside, []byte("TOP-SECRET-KEY"), 0600)).To(Succeed())
			})

			It("should reject the expense without copying the file", func() {
				body := fmt.Sprintf(`{"title":"Lunch","receipt":{"temp_path":%q}}`, outside)
				resp := do(http.MethodPost, "/api/expenses", strings.NewReader(body), "application/json")
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				raw, err := io.ReadAll(resp.Body)
				Expect(err).NotTo(HaveOccurred())
				Expect(string(raw)).NotTo(ContainSubstring("TOP-SECRET-KEY"))
				Expect(files.writes).To(BeEmpty())
				Expect(coordinator.List()).To(BeEmpty())
			})

			It("should reject a remote URL", func() {
				body := `{"title":"Lunch","receipt":{"temp_path":"http://169.254.169.254/latest/meta-data"}}`
				resp := do(http.MethodPost, "/api/expenses", strings.NewReader(body), "application/json")
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(files.writes).To(BeEmpty())
			})
		})
	})

	Describe("handleUpdateExpense", func() {
		BeforeEach(func() {
			store.expenses = []Expense{{ID: "a", Title: "Lunch"}}
		})

		It("should update the expense named in the path", func() {
			resp := do(http.MethodPut, "/api/expenses/a", strings.NewReader(`{"title":"Dinner"}`), "application/json")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			e, _ := coordinator.Lookup("a")
			Expect(e.Title).To(Equal("Dinner"))
		})

		It("should return 404 for an unknown ID", func() {
			resp := do(http.MethodPut, "/api/expenses/nope", strings.NewReader(`{"title":"Dinner"}`), "application/json")
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	Describe("handleDeleteExpense", func() {
		BeforeEach(func() {
			store.expenses = []Expense{{ID: "a", Title: "Lunch"}, {ID: "b", Title: "Taxi"}}
		})

		It("should delete at the current position by default", func() {
			resp := do(http.MethodDelete, "/api/expenses/b", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(coordinator.List()).To(HaveLen(1))
		})

		It("should return 409 when the position does not match", func() {
			resp := do(http.MethodDelete, "/api/expenses/b?position=0", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusConflict))
			Expect(coordinator.List()).To(HaveLen(2))
		})

		It("should return 400 for a malformed position", func() {
			resp := do(http.MethodDelete, "/api/expenses/b?position=x", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("should return 404 for an unknown ID", func() {
			resp := do(http.MethodDelete, "/api/expenses/nope", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	Describe("handleCaptureReceipt", func() {
		It("should spool the photo and return its references", func() {
			body, contentType := multipartBody("file", "receipt.png", samplePNG())
			resp := do(http.MethodPost, "/api/receipts/capture", body, contentType)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var captured CapturedReceipt
			decode(resp, &captured)
			Expect(captured.TempPath).To(HavePrefix(spool.Dir()))
			Expect(captured.TempPath).To(BeAnExistingFile())
			Expect(captured.DisplayURL).To(Equal(testBaseURL + "/_app_file_" + captured.TempPath))
			Expect(captured.Draft.Receipt.TempPath).To(Equal(captured.TempPath))
		})

		It("should return 400 without a file", func() {
			body, contentType := multipartBody("", "", nil)
			resp := do(http.MethodPost, "/api/receipts/capture", body, contentType)
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("should not leak conversion details for an unreadable photo", func() {
			body, contentType := multipartBody("file", "receipt.png", []byte("not an image"))
			resp := do(http.MethodPost, "/api/receipts/capture", body, contentType)
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			var payload map[string]string
			decode(resp, &payload)
			Expect(payload["error"]).To(HavePrefix("Could not process the uploaded photo"))
			Expect(payload["error"]).NotTo(ContainSubstring("decoding"))
		})

		It("should return 400 for an empty photo", func() {
			body, contentType := multipartBody("file", "receipt.jpg", nil)
			resp := do(http.MethodPost, "/api/receipts/capture", body, contentType)
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("file serving", func() {
		var photo *capture.Photo

		JustBeforeEach(func() {
			var err error
			photo, err = spool.Upload(samplePNG(), "image/png").GetPhoto(context.Background(), capture.Options{
				ResultType: capture.ResultURI, Source: capture.SourceCamera, Quality: 80,
			})
			Expect(err).NotTo(HaveOccurred())
		})

		It("should serve captures by web path", func() {
			resp := do(http.MethodGet, photo.WebPath, nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("image/jpeg"))
		})

		It("should serve files under an allowed root", func() {
			resp := do(http.MethodGet, "/_app_file_"+photo.Path, nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})

		It("should not serve files outside the allowed roots", func() {
			resp := do(http.MethodGet, "/_app_file_/etc/hosts", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	Describe("CORS", func() {
		It("should answer preflight requests", func() {
			resp := do(http.MethodOptions, "/api/expenses", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
		})
	})

	Describe("basic auth", func() {
		BeforeEach(func() {
			auth = BasicAuth{Username: "user", Password: "pass"}
		})

		It("should reject requests without credentials", func() {
			resp := do(http.MethodGet, "/api/expenses", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			Expect(resp.Header.Get("WWW-Authenticate")).To(ContainSubstring("Basic"))
		})

		It("should accept valid credentials", func() {
			req, err := http.NewRequest(http.MethodGet, ghttpServer.URL()+"/api/expenses", nil)
			Expect(err).NotTo(HaveOccurred())
			req.SetBasicAuth("user", "pass")
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})

		It("should reject a wrong password", func() {
			req, err := http.NewRequest(http.MethodGet, ghttpServer.URL()+"/api/expenses", nil)
			Expect(err).NotTo(HaveOccurred())
			req.SetBasicAuth("user", "nope")
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
		})
	})
})
