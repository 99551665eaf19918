package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"order-relay/internal/domain"
	"order-relay/internal/metrics"
)

// externalBaseURL returns the URL of a deployed relay, if any.
func externalBaseURL() string {
	return os.Getenv("ORDERRELAY_BASE_URL")
}

// httpClient creates an HTTP client with sensible defaults.
func httpClient() *http.Client {
	return &http.Client{
		Timeout: 40 * time.Second,
	}
}

// doRequest performs an HTTP request and returns the response.
func doRequest(baseURL, method, path string, body interface{}) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return httpClient().Do(req)
}

// readBody reads and closes the response body.
func readBody(resp *http.Response) string {
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	Expect(err).NotTo(HaveOccurred())
	return string(data)
}

// sendOrder posts an order and returns the status and text body.
func sendOrder(baseURL string, o domain.Order) (int, string) {
	resp, err := doRequest(baseURL, "POST", "/api/orders", o)
	Expect(err).NotTo(HaveOccurred())
	return resp.StatusCode, readBody(resp)
}

// receiveOrder polls the relay buffer with the given timeout.
func receiveOrder(baseURL, timeout string) (int, string) {
	resp, err := doRequest(baseURL, "GET", "/api/orders/received?timeout="+timeout, nil)
	Expect(err).NotTo(HaveOccurred())
	return resp.StatusCode, readBody(resp)
}

var _ = Describe("Order relay over the memory broker", Ordered, func() {
	Describe("Health Check", func() {
		It("should return healthy status", func() {
			resp, err := doRequest(localURL, "GET", "/healthz", nil)
			Expect(err).NotTo(HaveOccurred())

			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var result map[string]interface{}
			Expect(json.Unmarshal([]byte(readBody(resp)), &result)).To(Succeed())
			Expect(result["success"]).To(BeTrue())
			Expect(result["data"]).To(HaveKeyWithValue("status", "healthy"))
		})
	})

	Describe("Sending and receiving", func() {
		It("should relay a sent order to the relay buffer", func() {
			status, body := sendOrder(localURL, domain.NewOrder("A101", "Test Product", 5))
			Expect(status).To(Equal(http.StatusOK))
			Expect(body).To(Equal("Order sent successfully: A101"))

			status, body = receiveOrder(localURL, "5s")
			Expect(status).To(Equal(http.StatusOK))

			var got domain.Order
			Expect(json.Unmarshal([]byte(body), &got)).To(Succeed())
			Expect(got).To(Equal(domain.NewOrder("A101", "Test Product", 5)))
		})

		It("should answer 204 when nothing arrives in time", func() {
			status, _ := receiveOrder(localURL, "100ms")
			Expect(status).To(Equal(http.StatusNoContent))
		})

		It("should drop an order that arrives while the buffer is full", func() {
			dropped := metrics.RelayDepositsTotal.WithLabelValues(metrics.ResultDropped)
			before := testutil.ToFloat64(dropped)

			status, _ := sendOrder(localURL, domain.NewOrder("first", "Keyboard", 1))
			Expect(status).To(Equal(http.StatusOK))
			Eventually(relayApp.Buffer().Len, 2*time.Second).Should(Equal(1))

			status, _ = sendOrder(localURL, domain.NewOrder("second", "Mouse", 2))
			Expect(status).To(Equal(http.StatusOK))
			Eventually(func() float64 {
				return testutil.ToFloat64(dropped) - before
			}, 2*time.Second).Should(Equal(1.0))

			status, body := receiveOrder(localURL, "1s")
			Expect(status).To(Equal(http.StatusOK))
			Expect(body).To(ContainSubstring(`"id":"first"`))

			status, _ = receiveOrder(localURL, "100ms")
			Expect(status).To(Equal(http.StatusNoContent))
		})

		It("should accept orders without validation", func() {
			status, body := sendOrder(localURL, domain.NewOrder("", "", -3))
			Expect(status).To(Equal(http.StatusOK))
			Expect(body).To(Equal("Order sent successfully: "))

			status, body = receiveOrder(localURL, "5s")
			Expect(status).To(Equal(http.StatusOK))
			Expect(body).To(ContainSubstring(`"quantity":-3`))
		})
	})

	Describe("Errors", func() {
		It("should reject a malformed body", func() {
			req, err := http.NewRequest("POST", localURL+"/api/orders", bytes.NewReader([]byte(`{"id":`)))
			Expect(err).NotTo(HaveOccurred())
			req.Header.Set("Content-Type", "application/json")

			resp, err := httpClient().Do(req)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(readBody(resp)).To(Equal("Failed to send order: invalid request body"))
		})

		It("should reject an unparsable timeout", func() {
			status, _ := receiveOrder(localURL, "soon")
			Expect(status).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("Metrics", func() {
		It("should expose relay metrics", func() {
			resp, err := doRequest(localURL, "GET", "/metrics", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			body := readBody(resp)
			Expect(body).To(ContainSubstring("orderrelay_orders_sent_total"))
			Expect(body).To(ContainSubstring("orderrelay_relay_deposits_total"))
		})
	})
})

var _ = Describe("Order relay deployment", Ordered, func() {
	var baseURL string

	BeforeAll(func() {
		baseURL = externalBaseURL()
		if baseURL == "" {
			Skip("ORDERRELAY_BASE_URL not set")
		}

		resp, err := doRequest(baseURL, "GET", "/healthz", nil)
		if err != nil {
			Skip(fmt.Sprintf("Server not reachable at %s: %v", baseURL, err))
		}
		resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
	})

	It("should relay an order through the configured broker", func() {
		id := fmt.Sprintf("IT-%d", time.Now().UnixNano())

		status, body := sendOrder(baseURL, domain.NewOrder(id, "Integration Product", 1))
		Expect(status).To(Equal(http.StatusOK))
		Expect(body).To(Equal("Order sent successfully: " + id))

		Eventually(func() string {
			status, body := receiveOrder(baseURL, "2s")
			if status != http.StatusOK {
				return ""
			}
			return body
		}, 30*time.Second, 100*time.Millisecond).Should(ContainSubstring(id))
	})
})
