package ledger_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"regexp"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/kbt-scanner/internal/ledger"
	"github.com/zombor/kbt-scanner/internal/scan"
	"github.com/zombor/kbt-scanner/internal/scanning"
)

var _ = Describe("Integration", func() {
	var (
		tempDir  string
		db       *ledger.BoltDB
		archive  *ledger.LocalStorage
		service  *ledger.Service
		ghServer *ghttp.Server
	)

	BeforeEach(func() {
		tempDir = GinkgoT().TempDir()

		var err error
		db, err = ledger.NewBoltDB(filepath.Join(tempDir, "test.db"), ledger.DefaultMaxStateBytes)
		Expect(err).NotTo(HaveOccurred())

		archive, err = ledger.NewLocalStorage(filepath.Join(tempDir, "exports"))
		Expect(err).NotTo(HaveOccurred())

		pipeline, err := scan.NewPipeline(scan.DefaultExtractionRule(), scan.GenericRule{})
		Expect(err).NotTo(HaveOccurred())

		service = ledger.NewService(db, pipeline, nil, nil, archive)
		service.EnableAutoExport(2)

		server := ledger.NewServer(service, ledger.BasicAuth{})
		ghServer = ghttp.NewServer()
		for _, method := range []string{"GET", "POST", "DELETE"} {
			ghServer.RouteToHandler(method, regexp.MustCompile(`^/api/`), server.ServeHTTP)
		}
	})

	AfterEach(func() {
		ghServer.Close()
		db.Close()
	})

	post := func(path, contentType string, body io.Reader) *http.Response {
		resp, err := http.Post(ghServer.URL()+path, contentType, body)
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	scanText := func(text, mode string) int {
		payload, err := json.Marshal(map[string]string{"text": text, "mode": mode})
		Expect(err).NotTo(HaveOccurred())
		resp := post("/api/scans", "application/json", bytes.NewReader(payload))
		resp.Body.Close()
		return resp.StatusCode
	}

	It("should ingest, dedupe, export and re-import transfers", func() {
		Expect(scanText("$1:1:1234567890:77", "transfer")).To(Equal(http.StatusCreated))
		Expect(scanText("$1:1:1234567890:78", "transfer")).To(Equal(http.StatusConflict))
		Expect(scanText("https://example.com", "transfer")).To(Equal(http.StatusUnprocessableEntity))
		Expect(scanText("$1:1:0987654321:", "transfer")).To(Equal(http.StatusCreated))
		Expect(scanText("WIFI:S:home;;", "generic")).To(Equal(http.StatusCreated))

		By("exporting the transfers as CSV")
		resp, err := http.Get(ghServer.URL() + "/api/export/csv")
		Expect(err).NotTo(HaveOccurred())
		csv, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		Expect(err).NotTo(HaveOccurred())
		lines := strings.Split(strings.TrimSpace(strings.TrimPrefix(string(csv), "\xEF\xBB\xBF")), "\n")
		Expect(lines).To(HaveLen(3))
		Expect(lines[1]).To(HavePrefix("1,1234567890,"))
		Expect(lines[2]).To(HavePrefix("2,0987654321,"))

		By("auto-exporting on the second transfer")
		names, err := archive.List()
		Expect(err).NotTo(HaveOccurred())
		Expect(names).To(HaveLen(1))

		By("taking a JSON backup")
		resp, err = http.Get(ghServer.URL() + "/api/export/json")
		Expect(err).NotTo(HaveOccurred())
		backup, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		Expect(err).NotTo(HaveOccurred())

		By("merging the backup back in without creating duplicates")
		resp = post("/api/import", "application/json", bytes.NewReader(backup))
		var report scan.ImportReport
		Expect(json.NewDecoder(resp.Body).Decode(&report)).To(Succeed())
		resp.Body.Close()
		Expect(report).To(Equal(scan.ImportReport{TransfersSkipped: 2, GenericSkipped: 1}))

		state, err := service.Snapshot()
		Expect(err).NotTo(HaveOccurred())
		Expect(state.Transfers).To(HaveLen(2))
		Expect(state.GenericScans).To(HaveLen(1))

		By("recording what happened")
		entries, err := service.Activity(0)
		Expect(err).NotTo(HaveOccurred())
		Expect(entries[0].Message).To(Equal("Backup imported"))
	})

	It("should ingest payloads from a line source", func() {
		source := scanning.NewLineSource(strings.NewReader("$1:1:1111111111:\n$1:1:1111111111:\n\nnoise\n$1:1:2222222222:\n"))
		Expect(service.Listen(source, scan.ModeTransfer)).To(Succeed())
		Eventually(source.Done()).Should(BeClosed())

		state, err := service.Snapshot()
		Expect(err).NotTo(HaveOccurred())
		Expect(state.Transfers).To(HaveLen(2))
		Expect(state.Transfers[0].Number).To(Equal("1111111111"))
		Expect(state.Transfers[1].Number).To(Equal("2222222222"))
	})

	It("should keep records across restarts", func() {
		Expect(scanText("$1:1:1234567890:", "transfer")).To(Equal(http.StatusCreated))
		Expect(db.Close()).To(Succeed())

		var err error
		db, err = ledger.NewBoltDB(filepath.Join(tempDir, "test.db"), ledger.DefaultMaxStateBytes)
		Expect(err).NotTo(HaveOccurred())
		state, found, err := db.LoadState()
		Expect(err).NotTo(HaveOccurred())
		Expect(found).To(BeTrue())
		Expect(state.Transfers).To(HaveLen(1))
	})
})
