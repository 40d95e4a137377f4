package scanning

import (
	"context"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
)

var _ = Describe("Ollama", func() {
	var (
		server  *ghttp.Server
		scanner *Ollama
	)

	BeforeEach(func() {
		server = ghttp.NewServer()
		var err error
		scanner, err = NewOllama(server.URL()+"/", "llava")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		server.Close()
	})

	When("the model answers with receipt JSON", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodPost, "/api/chat"),
				ghttp.VerifyContentType("application/json"),
				ghttp.RespondWithJSONEncoded(http.StatusOK, ollamaChatResponse{
					Message: ollamaMessage{
						Role:    "assistant",
						Content: `{"title": "Hotel Roma", "category": "lodging", "date": "2024-03-02", "amount": 180.4}`,
					},
					Done: true,
				}),
			))
		})

		It("should return the parsed suggestion", func() {
			s, err := scanner.ScanReceipt(context.Background(), []byte{0xFF, 0xD8})
			Expect(err).NotTo(HaveOccurred())
			Expect(s.Title).To(Equal("Hotel Roma"))
			Expect(s.Category).To(Equal("lodging"))
			Expect(s.Amount).To(Equal(180.4))
			Expect(server.ReceivedRequests()).To(HaveLen(1))
		})
	})

	When("the API fails", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusInternalServerError, "model not loaded"))
		})

		It("should surface the status and body", func() {
			_, err := scanner.ScanReceipt(context.Background(), []byte{0xFF, 0xD8})
			Expect(err).To(MatchError(ContainSubstring("status 500")))
			Expect(err).To(MatchError(ContainSubstring("model not loaded")))
		})
	})
})
