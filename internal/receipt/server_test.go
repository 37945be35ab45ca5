package receipt

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"regexp"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
	"github.com/xuri/excelize/v2"
)

var _ = Describe("Server", func() {
	var (
		db          *mockDB
		storage     *mockStorage
		recognizer  *mockRecognizer
		service     *Service
		server      *Server
		auth        BasicAuth
		maxPageSize int
		ghttpServer *ghttp.Server
	)

	setupServer := func() {
		if ghttpServer != nil {
			ghttpServer.Close()
		}
		service = NewService(db, recognizer, storage, "eng")
		server = NewServerWithMux(service, auth, maxPageSize, http.NewServeMux())
		ghttpServer = ghttp.NewServer()
		for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions} {
			ghttpServer.RouteToHandler(method, regexp.MustCompile(`.*`), server.ServeHTTP)
		}
	}

	seed := func() {
		for _, r := range fixtureReceipts() {
			Expect(db.DB.CreateReceipt(context.Background(), r)).To(Succeed())
		}
	}

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

	get := func(path string) *http.Response {
		return do(http.MethodGet, path, nil, "")
	}

	readBody := func(resp *http.Response) []byte {
		body, err := io.ReadAll(resp.Body)
		Expect(err).NotTo(HaveOccurred())
		return body
	}

	decodeReceipts := func(resp *http.Response) []*Receipt {
		var receipts []*Receipt
		Expect(json.Unmarshal(readBody(resp), &receipts)).To(Succeed())
		return receipts
	}

	BeforeEach(func() {
		db = newMockDB()
		storage = newMockStorage()
		recognizer = &mockRecognizer{text: walmartText}
		auth = BasicAuth{}
		maxPageSize = 100
		setupServer()
	})

	AfterEach(func() {
		if ghttpServer != nil {
			ghttpServer.Close()
			ghttpServer = nil
		}
	})

	Describe("handleHealth", func() {
		It("should return status OK with a message", func() {
			resp := get("/")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(string(readBody(resp))).To(ContainSubstring("Receipt analyzer is running"))
		})

		It("should reject other methods", func() {
			resp := do(http.MethodPost, "/", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusMethodNotAllowed))
		})
	})

	Describe("CORS", func() {
		It("should answer preflight requests", func() {
			resp := do(http.MethodOptions, "/api/receipts", nil, "")
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
			Expect(resp.Header.Get("Access-Control-Allow-Methods")).To(ContainSubstring("PUT"))
		})

		It("should set headers on regular responses", func() {
			resp := get("/api/receipts")
			Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
		})
	})

	Describe("basic auth", func() {
		BeforeEach(func() {
			auth = BasicAuth{Username: "admin", Password: "secret"}
			setupServer()
		})

		It("should reject requests without credentials", func() {
			resp := get("/api/receipts")
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			Expect(resp.Header.Get("WWW-Authenticate")).To(ContainSubstring("Basic"))
		})

		It("should reject wrong credentials", func() {
			req, err := http.NewRequest(http.MethodGet, ghttpServer.URL()+"/api/receipts", nil)
			Expect(err).NotTo(HaveOccurred())
			req.SetBasicAuth("admin", "wrong")
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
		})

		It("should accept valid credentials", func() {
			req, err := http.NewRequest(http.MethodGet, ghttpServer.URL()+"/api/receipts", nil)
			Expect(err).NotTo(HaveOccurred())
			req.SetBasicAuth("admin", "secret")
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})

		It("should keep the health check public", func() {
			Expect(get("/").StatusCode).To(Equal(http.StatusOK))
		})
	})

	Describe("handleUploadReceipt", func() {
		upload := func(filename string, content []byte) *http.Response {
			var b bytes.Buffer
			writer := multipart.NewWriter(&b)
			part, err := writer.CreateFormFile("file", filename)
			Expect(err).NotTo(HaveOccurred())
			_, err = part.Write(content)
			Expect(err).NotTo(HaveOccurred())
			Expect(writer.Close()).To(Succeed())
			return do(http.MethodPost, "/api/upload", &b, writer.FormDataContentType())
		}

		When("upload succeeds", func() {
			var (
				resp *http.Response
				body map[string]json.RawMessage
			)

			BeforeEach(func() {
				resp = upload("receipt.txt", []byte(walmartText))
				body = map[string]json.RawMessage{}
				Expect(json.Unmarshal(readBody(resp), &body)).To(Succeed())
			})

			It("should return status Created", func() {
				Expect(resp.StatusCode).To(Equal(http.StatusCreated))
			})

			It("should describe the upload", func() {
				Expect(body).To(HaveKey("message"))
				Expect(string(body["filename"])).To(Equal(`"receipt.txt"`))
				Expect(string(body["content_type"])).To(Equal(`"text/plain"`))
				Expect(string(body["saved_path"])).To(Equal(`"stored_receipt.txt"`))
				Expect(string(body["db_record_id"])).To(Equal("1"))
			})

			It("should return the raw parsed fields", func() {
				var fields map[string]any
				Expect(json.Unmarshal(body["parsed_fields"], &fields)).To(Succeed())
				Expect(fields).To(HaveKeyWithValue("vendor", "Walmart"))
				Expect(fields).To(HaveKeyWithValue("date", "01/15/2024"))
				Expect(fields).To(HaveKeyWithValue("amount", 25.99))
				Expect(fields).To(HaveKeyWithValue("currency", "$"))
				Expect(fields).To(HaveKeyWithValue("category", "Groceries"))
			})

			It("should return the stored receipt with a normalized date", func() {
				var r Receipt
				Expect(json.Unmarshal(body["receipt"], &r)).To(Succeed())
				Expect(r.ID).To(Equal(int64(1)))
				Expect(r.TransactionDate.String()).To(Equal("2024-01-15"))
			})
		})

		When("the file type is not supported", func() {
			It("should return status Bad Request", func() {
				resp := upload("archive.zip", []byte("PK"))
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(string(readBody(resp))).To(ContainSubstring("unsupported content type"))
			})
		})

		When("no file is sent", func() {
			It("should return status Bad Request", func() {
				var b bytes.Buffer
				writer := multipart.NewWriter(&b)
				Expect(writer.WriteField("note", "hello")).To(Succeed())
				Expect(writer.Close()).To(Succeed())

				resp := do(http.MethodPost, "/api/upload", &b, writer.FormDataContentType())
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(string(readBody(resp))).To(ContainSubstring("No file was selected"))
			})
		})

		When("the body is not multipart", func() {
			It("should return status Bad Request", func() {
				resp := do(http.MethodPost, "/api/upload", strings.NewReader("{}"), "application/json")
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			})
		})

		When("the database fails", func() {
			BeforeEach(func() {
				db.createErr = storageErr("saving receipt", errors.New("locked"))
			})

			It("should return status Internal Server Error", func() {
				resp := upload("receipt.txt", []byte(walmartText))
				Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
				Expect(string(readBody(resp))).To(ContainSubstring("Internal server error"))
			})
		})
	})

	Describe("handleListReceipts", func() {
		When("receipts exist", func() {
			BeforeEach(seed)

			It("should return all receipts", func() {
				resp := get("/api/receipts")
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				Expect(resp.Header.Get("Content-Type")).To(Equal("application/json"))
				Expect(ids(decodeReceipts(resp))).To(Equal([]int64{1, 2, 3, 4, 5}))
			})

			It("should apply skip and limit", func() {
				Expect(ids(decodeReceipts(get("/api/receipts?skip=1&limit=2")))).To(Equal([]int64{2, 3}))
			})

			It("should reject a malformed limit", func() {
				Expect(get("/api/receipts?limit=abc").StatusCode).To(Equal(http.StatusBadRequest))
				Expect(get("/api/receipts?limit=0").StatusCode).To(Equal(http.StatusBadRequest))
				Expect(get("/api/receipts?skip=-1").StatusCode).To(Equal(http.StatusBadRequest))
			})
		})

		When("the page size is capped", func() {
			BeforeEach(func() {
				maxPageSize = 3
				setupServer()
				seed()
			})

			It("should cap the requested limit", func() {
				Expect(decodeReceipts(get("/api/receipts?limit=50"))).To(HaveLen(3))
			})

			It("should cap the default limit", func() {
				Expect(decodeReceipts(get("/api/receipts"))).To(HaveLen(3))
			})
		})

		When("no receipts exist", func() {
			It("should return an empty array", func() {
				resp := get("/api/receipts")
				Expect(strings.TrimSpace(string(readBody(resp)))).To(Equal("[]"))
			})
		})

		When("service returns an error", func() {
			BeforeEach(func() {
				db.listErr = errors.New("service error")
			})

			It("should return status Internal Server Error", func() {
				resp := get("/api/receipts")
				Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
				Expect(string(readBody(resp))).To(ContainSubstring("Internal server error"))
			})
		})
	})

	Describe("handleSearchReceipts", func() {
		BeforeEach(seed)

		It("should filter by amount range", func() {
			resp := get("/api/receipts/search?min_amount=10&max_amount=20")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(ids(decodeReceipts(resp))).To(Equal([]int64{1, 3, 5}))
		})

		It("should filter by date range and vendor pattern", func() {
			Expect(ids(decodeReceipts(get("/api/receipts/search?start_date=2024-01-01&end_date=2024-01-31")))).To(Equal([]int64{1, 2}))
			Expect(ids(decodeReceipts(get("/api/receipts/search?vendor_pattern=WAL")))).To(Equal([]int64{1, 4}))
		})

		It("should reject malformed parameters", func() {
			Expect(get("/api/receipts/search?start_date=01/02/2024").StatusCode).To(Equal(http.StatusBadRequest))
			Expect(get("/api/receipts/search?min_amount=ten").StatusCode).To(Equal(http.StatusBadRequest))
		})

		DescribeTable("non-finite amounts",
			func(query string) {
				Expect(get("/api/receipts/search?" + query).StatusCode).To(Equal(http.StatusBadRequest))
			},
			Entry("NaN minimum", "min_amount=NaN"),
			Entry("infinite maximum", "max_amount=Inf"),
			Entry("negative infinity", "min_amount=-Inf"),
		)
	})

	Describe("handleSortReceipts", func() {
		BeforeEach(seed)

		It("should sort with nulls last", func() {
			resp := get("/api/receipts/sort?sort_by=vendor&sort_order=desc")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(ids(decodeReceipts(resp))).To(Equal([]int64{5, 1, 4, 2, 3}))
		})

		It("should default to ascending", func() {
			Expect(ids(decodeReceipts(get("/api/receipts/sort?sort_by=amount")))).To(Equal([]int64{1, 3, 5, 2, 4}))
		})

		It("should reject an unknown field", func() {
			resp := get("/api/receipts/sort?sort_by=color")
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(string(readBody(resp))).To(ContainSubstring("sort_by"))
		})

		It("should reject an unknown order", func() {
			Expect(get("/api/receipts/sort?sort_by=date&sort_order=up").StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("handleExportReceipts", func() {
		BeforeEach(seed)

		It("should export CSV", func() {
			resp := get("/api/receipts/export?format=csv&vendor_pattern=walmart")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("text/csv"))
			Expect(resp.Header.Get("Content-Disposition")).To(ContainSubstring("receipts.csv"))

			records, err := csv.NewReader(bytes.NewReader(readBody(resp))).ReadAll()
			Expect(err).NotTo(HaveOccurred())
			Expect(records).To(HaveLen(3))
			Expect(records[0]).To(Equal(exportHeaders))
			Expect(records[1]).To(Equal([]string{"1", "walmart.jpg", "Walmart", "2024-01-15", "10", "$", "Groceries", "2024-03-01"}))
			Expect(records[2][3]).To(BeEmpty())
		})

		It("should export amounts without rounding", func() {
			Expect(db.DB.CreateReceipt(context.Background(), &Receipt{
				Filename:    "deli.txt",
				ContentType: "text/plain",
				SavedPath:   "f_deli.txt",
				Vendor:      strPtr("Corner Deli"),
				Amount:      floatPtr(45.678),
			})).To(Succeed())

			resp := get("/api/receipts/export?format=csv&vendor_pattern=deli")
			records, err := csv.NewReader(bytes.NewReader(readBody(resp))).ReadAll()
			Expect(err).NotTo(HaveOccurred())
			Expect(records).To(HaveLen(2))
			Expect(records[1][4]).To(Equal("45.678"))
		})

		It("should export JSON", func() {
			resp := get("/api/receipts/export?format=json")
			Expect(resp.Header.Get("Content-Type")).To(Equal("application/json"))
			Expect(decodeReceipts(resp)).To(HaveLen(5))
		})

		It("should export XLSX by default", func() {
			resp := get("/api/receipts/export")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			f, err := excelize.OpenReader(bytes.NewReader(readBody(resp)))
			Expect(err).NotTo(HaveOccurred())
			defer f.Close()
			rows, err := f.GetRows(exportSheet)
			Expect(err).NotTo(HaveOccurred())
			Expect(rows).To(HaveLen(6))
			Expect(rows[0][0]).To(Equal("ID"))
			Expect(rows[2][2]).To(Equal("Electric Co"))
		})

		It("should reject an unknown format", func() {
			Expect(get("/api/receipts/export?format=pdf").StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("handleGetReceipt", func() {
		BeforeEach(seed)

		It("should return the receipt", func() {
			resp := get("/api/receipts/2")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var r Receipt
			Expect(json.Unmarshal(readBody(resp), &r)).To(Succeed())
			Expect(r.Vendor).To(HaveValue(Equal("Electric Co")))
		})

		It("should return status Not Found for an unknown ID", func() {
			Expect(get("/api/receipts/99").StatusCode).To(Equal(http.StatusNotFound))
		})

		It("should return status Bad Request for a malformed ID", func() {
			Expect(get("/api/receipts/abc").StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("handleGetReceiptFile", func() {
		BeforeEach(func() {
			storage.files["stored_bill.pdf"] = []byte("%PDF-1.4")
			Expect(db.DB.CreateReceipt(context.Background(), &Receipt{Filename: "bill.pdf", ContentType: "application/pdf", SavedPath: "stored_bill.pdf"})).To(Succeed())
		})

		It("should return the file with its content type", func() {
			resp := get("/api/receipts/1/file")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("application/pdf"))
			Expect(string(readBody(resp))).To(Equal("%PDF-1.4"))
		})

		It("should return status Not Found when the file is gone", func() {
			delete(storage.files, "stored_bill.pdf")
			Expect(get("/api/receipts/1/file").StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	Describe("handleUpdateReceipt", func() {
		BeforeEach(seed)

		put := func(path, body string) *http.Response {
			return do(http.MethodPut, path, strings.NewReader(body), "application/json")
		}

		It("should apply a partial update", func() {
			resp := put("/api/receipts/1", `{"vendor": "Target", "category": null}`)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var r Receipt
			Expect(json.Unmarshal(readBody(get("/api/receipts/1")), &r)).To(Succeed())
			Expect(r.Vendor).To(HaveValue(Equal("Target")))
			Expect(r.Category).To(BeNil())
			Expect(r.Amount).To(HaveValue(Equal(10.0)))
		})

		It("should return status Not Found for an unknown ID", func() {
			Expect(put("/api/receipts/99", `{"vendor": "Target"}`).StatusCode).To(Equal(http.StatusNotFound))
		})

		It("should return status Bad Request for an invalid body", func() {
			Expect(put("/api/receipts/1", `{"amount": "lots"}`).StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("handleDeleteReceipt", func() {
		BeforeEach(seed)

		It("should return status No Content and remove the receipt", func() {
			Expect(do(http.MethodDelete, "/api/receipts/3", nil, "").StatusCode).To(Equal(http.StatusNoContent))
			Expect(get("/api/receipts/3").StatusCode).To(Equal(http.StatusNotFound))
		})

		It("should return status Not Found the second time", func() {
			do(http.MethodDelete, "/api/receipts/3", nil, "")
			Expect(do(http.MethodDelete, "/api/receipts/3", nil, "").StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	Describe("analytics", func() {
		decode := func(path string, v any) {
			resp := get(path)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(json.Unmarshal(readBody(resp), v)).To(Succeed())
		}

		When("no receipts exist", func() {
			It("should report zero and nulls", func() {
				var total map[string]float64
				decode("/api/analytics/total-spend", &total)
				Expect(total).To(Equal(map[string]float64{"total_spend": 0}))

				var stats map[string]any
				decode("/api/analytics/spend-statistics", &stats)
				Expect(stats).To(Equal(map[string]any{"mean": nil, "median": nil, "mode": nil}))
			})
		})

		When("receipts exist", func() {
			BeforeEach(seed)

			It("should report total spend", func() {
				var total map[string]float64
				decode("/api/analytics/total-spend", &total)
				Expect(total["total_spend"]).To(BeNumerically("~", 70, 1e-9))
			})

			It("should report statistics", func() {
				var stats SpendStatistics
				decode("/api/analytics/spend-statistics", &stats)
				Expect(*stats.Mean).To(BeNumerically("~", 17.5, 1e-9))
				Expect(*stats.Mode).To(BeNumerically("~", 10, 1e-9))
			})

			It("should report vendor frequency", func() {
				var vendors []VendorCount
				decode("/api/analytics/vendor-frequency", &vendors)
				Expect(vendors[0]).To(Equal(VendorCount{Vendor: "Walmart", Count: 2}))
			})

			It("should report the monthly trend keyed by month_year", func() {
				var months []map[string]any
				decode("/api/analytics/monthly-spend-trend", &months)
				Expect(months).To(HaveLen(2))
				Expect(months[0]).To(HaveKeyWithValue("month_year", "2024-01"))
			})

			It("should report spend by category", func() {
				var categories []CategorySpend
				decode("/api/analytics/spend-by-category", &categories)
				Expect(categories).To(HaveLen(2))
			})
		})

		When("the database fails", func() {
			BeforeEach(func() {
				db.aggregateErr = errors.New("io error")
			})

			It("should return status Internal Server Error", func() {
				Expect(get("/api/analytics/total-spend").StatusCode).To(Equal(http.StatusInternalServerError))
			})
		})
	})
})
