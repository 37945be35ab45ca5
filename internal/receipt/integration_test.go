package receipt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
	"github.com/zombor/receipt-analyzer/internal/ocr"
)

var _ = Describe("Integration", func() {
	var (
		db       *BoltDB
		store    *LocalStorage
		ghServer *ghttp.Server
	)

	BeforeEach(func() {
		tempDir := GinkgoT().TempDir()

		var err error
		db, err = NewBoltDB(filepath.Join(tempDir, "test.db"))
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(db.Close)

		store, err = NewLocalStorage(filepath.Join(tempDir, "receipts"))
		Expect(err).NotTo(HaveOccurred())

		// text uploads must never reach the recognizer
		recognizer := ocr.WithPlainText(&mockRecognizer{err: errors.New("recognizer should not be called")})
		server := NewServer(NewService(db, recognizer, store, "eng"), BasicAuth{}, 50)

		ghServer = ghttp.NewServer()
		ghServer.SetAllowUnhandledRequests(false)
		ghServer.RouteToHandler(http.MethodPost, "/api/upload", server.ServeHTTP)
		ghServer.RouteToHandler(http.MethodGet, `/api/receipts/1/file`, server.ServeHTTP)
		ghServer.RouteToHandler(http.MethodGet, "/api/receipts/search", server.ServeHTTP)
		ghServer.RouteToHandler(http.MethodGet, "/api/analytics/total-spend", server.ServeHTTP)
		DeferCleanup(ghServer.Close)
	})

	upload := func(filename, content string) *http.Response {
		body := &bytes.Buffer{}
		writer := multipart.NewWriter(body)
		part, err := writer.CreateFormFile("file", filename)
		Expect(err).NotTo(HaveOccurred())
		_, err = io.WriteString(part, content)
		Expect(err).NotTo(HaveOccurred())
		Expect(writer.Close()).To(Succeed())

		resp, err := http.Post(ghServer.URL()+"/api/upload", writer.FormDataContentType(), body)
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	It("should extract, persist and query an uploaded text receipt", func() {
		resp := upload("corner-store.txt", "Corner Store\n03/02/2024\nMilk 3.50\nTOTAL 12.75\n")
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusCreated))

		var uploaded struct {
			ID      int64    `json:"db_record_id"`
			Receipt *Receipt `json:"receipt"`
		}
		Expect(json.NewDecoder(resp.Body).Decode(&uploaded)).To(Succeed())
		Expect(uploaded.ID).To(Equal(int64(1)))
		Expect(uploaded.Receipt.Vendor).To(HaveValue(Equal("Corner Store")))
		Expect(uploaded.Receipt.Amount).To(HaveValue(Equal(12.75)))
		Expect(uploaded.Receipt.TransactionDate.String()).To(Equal("2024-03-02"))

		stored, err := db.GetReceipt(context.Background(), uploaded.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(stored.SavedPath).To(Equal(uploaded.Receipt.SavedPath))

		data, err := store.Get(stored.SavedPath)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(data)).To(HavePrefix("Corner Store"))

		fileResp, err := http.Get(fmt.Sprintf("%s/api/receipts/%d/file", ghServer.URL(), uploaded.ID))
		Expect(err).NotTo(HaveOccurred())
		defer fileResp.Body.Close()
		Expect(fileResp.StatusCode).To(Equal(http.StatusOK))

		searchResp, err := http.Get(ghServer.URL() + "/api/receipts/search?vendor_pattern=corner&min_amount=10")
		Expect(err).NotTo(HaveOccurred())
		defer searchResp.Body.Close()
		var found []*Receipt
		Expect(json.NewDecoder(searchResp.Body).Decode(&found)).To(Succeed())
		Expect(ids(found)).To(Equal([]int64{1}))

		totalResp, err := http.Get(ghServer.URL() + "/api/analytics/total-spend")
		Expect(err).NotTo(HaveOccurred())
		defer totalResp.Body.Close()
		var total map[string]float64
		Expect(json.NewDecoder(totalResp.Body).Decode(&total)).To(Succeed())
		Expect(total).To(HaveKeyWithValue("total_spend", 12.75))
	})
})
