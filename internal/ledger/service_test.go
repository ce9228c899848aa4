package ledger

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/kbt-scanner/internal/scan"
	"github.com/zombor/kbt-scanner/internal/scanning"
	"github.com/zombor/kbt-scanner/internal/sheets"
)

var _ = Describe("Service", func() {
	var (
		db      *mockDB
		scanner *mockScanner
		sheet   *mockSheet
		archive *mockStorage
		service *Service
	)

	BeforeEach(func() {
		db = newMockDB()
		scanner = &mockScanner{}
		sheet = &mockSheet{}
		archive = newMockStorage()
	})

	JustBeforeEach(func() {
		service = NewServiceWithDeps(db, newTestPipeline(), scanner, sheet, archive, fixedClock{t: baseTime})
	})

	Describe("Ingest", func() {
		var (
			text   string
			mode   scan.Mode
			result scan.Result
			err    error
		)

		BeforeEach(func() {
			text = "$1:1:1234567890:99"
			mode = scan.ModeTransfer
		})

		JustBeforeEach(func() {
			result, err = service.Ingest(text, mode)
		})

		When("the transfer is new", func() {
			It("should store the record", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(result.Transfer.Number).To(Equal("1234567890"))
				Expect(db.state.Transfers).To(HaveLen(1))
				Expect(db.state.Transfers[0].ID).To(Equal("id-1"))
			})

			It("should record the ingest", func() {
				Expect(db.Messages()).To(ConsistOf("Transfer stored"))
				Expect(db.activity[0].Level).To(Equal(LevelSuccess))
				Expect(db.activity[0].At).To(Equal(baseTime))
			})
		})

		When("the number is already stored", func() {
			BeforeEach(func() {
				db.state = scan.State{Transfers: []scan.TransferRecord{{ID: "x", Number: "1234567890", CapturedAt: baseTime}}}
			})

			It("should reject it as a duplicate without saving", func() {
				Expect(scan.IsRejection(err, scan.Duplicate)).To(BeTrue())
				Expect(db.saves).To(BeZero())
				Expect(db.state.Transfers).To(HaveLen(1))
			})

			It("should record the rejection as a warning", func() {
				Expect(db.activity).To(HaveLen(1))
				Expect(db.activity[0].Level).To(Equal(LevelWarn))
				Expect(db.activity[0].Data).To(HaveKeyWithValue("reason", "duplicate"))
			})
		})

		When("the text does not match", func() {
			BeforeEach(func() {
				text = "https://example.com"
			})

			It("should return a format mismatch", func() {
				Expect(scan.IsRejection(err, scan.FormatMismatch)).To(BeTrue())
				Expect(db.saves).To(BeZero())
			})
		})

		When("a generic scan is empty", func() {
			BeforeEach(func() {
				text = "   "
				mode = scan.ModeGeneric
			})

			It("should return Empty", func() {
				Expect(scan.IsRejection(err, scan.Empty)).To(BeTrue())
			})
		})

		When("generic scans arrive", func() {
			BeforeEach(func() {
				mode = scan.ModeGeneric
				db.state = scan.State{GenericScans: []scan.GenericScanRecord{{ID: "old", Text: "older", CapturedAt: baseTime}}}
				text = "newer"
			})

			It("should keep the newest first", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(result.Generic.Text).To(Equal("newer"))
				Expect(db.state.GenericScans[0].Text).To(Equal("newer"))
				Expect(db.state.GenericScans[1].Text).To(Equal("older"))
			})
		})

		When("loading fails", func() {
			BeforeEach(func() {
				db.loadErr = &StorageError{Op: "load", Err: errBoom}
			})

			It("should return the storage error", func() {
				var storageErr *StorageError
				Expect(errors.As(err, &storageErr)).To(BeTrue())
			})
		})

		When("the state is over capacity", func() {
			BeforeEach(func() {
				db.state = scan.State{Transfers: []scan.TransferRecord{{ID: "x", Number: "1111111111", CapturedAt: baseTime}}}
				db.saveErr = &StorageError{Op: "save", Err: ErrCapacityExceeded}
			})

			It("should return the error and leave the state untouched", func() {
				Expect(errors.Is(err, ErrCapacityExceeded)).To(BeTrue())
				Expect(db.state.Transfers).To(HaveLen(1))
				Expect(db.state.Transfers[0].Number).To(Equal("1111111111"))
			})

			It("should record the failure", func() {
				Expect(db.Messages()).To(ContainElement("Failed to store scan"))
			})
		})
	})

	Describe("concurrent ingest", func() {
		BeforeEach(func() {
			db.saveDelay = 20 * time.Millisecond
		})

		It("should store a number once and reject the other attempt", func() {
			const attempts = 2
			errs := make([]error, attempts)

			var wg sync.WaitGroup
			for i := 0; i < attempts; i++ {
				wg.Add(1)
				go func(i int) {
					defer GinkgoRecover()
					defer wg.Done()
					_, errs[i] = service.Ingest("$1:1:5555555555:", scan.ModeTransfer)
				}(i)
			}
			wg.Wait()

			Expect(db.state.Transfers).To(HaveLen(1))
			duplicates := 0
			for _, err := range errs {
				if err != nil {
					Expect(scan.IsRejection(err, scan.Duplicate)).To(BeTrue())
					duplicates++
				}
			}
			Expect(duplicates).To(Equal(1))
		})
	})

	Describe("auto-export", func() {
		JustBeforeEach(func() {
			service.EnableAutoExport(2)
		})

		It("should archive a CSV every second transfer", func() {
			_, err := service.Ingest("$1:1:1111111111:", scan.ModeTransfer)
			Expect(err).NotTo(HaveOccurred())
			Expect(archive.files).To(BeEmpty())

			_, err = service.Ingest("$1:1:2222222222:", scan.ModeTransfer)
			Expect(err).NotTo(HaveOccurred())
			Expect(archive.files).To(HaveKey("transfers_2024-05-01_2.csv"))
			Expect(string(archive.files["transfers_2024-05-01_2.csv"])).To(ContainSubstring("2,2222222222,"))
		})

		It("should not fail the ingest when the archive fails", func() {
			archive.saveErr = errBoom
			_, err := service.Ingest("$1:1:1111111111:", scan.ModeTransfer)
			Expect(err).NotTo(HaveOccurred())
			_, err = service.Ingest("$1:1:2222222222:", scan.ModeTransfer)
			Expect(err).NotTo(HaveOccurred())
			Expect(db.Messages()).To(ContainElement("Auto-export failed"))
		})

		It("should ignore generic scans", func() {
			_, err := service.Ingest("a", scan.ModeGeneric)
			Expect(err).NotTo(HaveOccurred())
			_, err = service.Ingest("b", scan.ModeGeneric)
			Expect(err).NotTo(HaveOccurred())
			Expect(archive.files).To(BeEmpty())
		})
	})

	Describe("IngestImage", func() {
		When("the scanner reads a transfer", func() {
			BeforeEach(func() {
				scanner.text = "$1:1:1234567890:"
			})

			It("should ingest the decoded text", func() {
				result, err := service.IngestImage([]byte("img"), "image/jpeg", scan.ModeTransfer)
				Expect(err).NotTo(HaveOccurred())
				Expect(result.Transfer.Number).To(Equal("1234567890"))
				Expect(scanner.contentType).To(Equal("image/jpeg"))
			})
		})

		When("the photo has no code", func() {
			BeforeEach(func() {
				scanner.err = scanning.ErrNoCode
			})

			It("should return ErrNoCode without saving", func() {
				_, err := service.IngestImage([]byte("img"), "image/jpeg", scan.ModeTransfer)
				Expect(errors.Is(err, scanning.ErrNoCode)).To(BeTrue())
				Expect(db.saves).To(BeZero())
			})
		})

		When("no scanner is configured", func() {
			JustBeforeEach(func() {
				service = NewServiceWithDeps(db, newTestPipeline(), nil, sheet, archive, fixedClock{t: baseTime})
			})

			It("should return ErrScannerDisabled", func() {
				_, err := service.IngestImage([]byte("img"), "image/jpeg", scan.ModeTransfer)
				Expect(err).To(MatchError(ErrScannerDisabled))
				Expect(service.ScannerEnabled()).To(BeFalse())
			})
		})
	})

	Describe("Listen", func() {
		It("should ingest every decoded payload", func() {
			source := &mockSource{}
			Expect(service.Listen(source, scan.ModeTransfer)).To(Succeed())

			source.onDecoded("$1:1:1234567890:")
			source.onDecoded("$1:1:1234567890:")
			source.onError("scanner disconnected")

			Expect(db.state.Transfers).To(HaveLen(1))
			Expect(db.Messages()).To(Equal([]string{"Transfer stored", "Duplicate scan ignored", "Scan source error"}))
		})

		It("should surface start failures", func() {
			source := &mockSource{startErr: scanning.ErrSourceUnavailable}
			Expect(service.Listen(source, scan.ModeTransfer)).To(MatchError(scanning.ErrSourceUnavailable))
		})
	})

	Describe("deletes", func() {
		BeforeEach(func() {
			db.state = scan.State{
				Transfers: []scan.TransferRecord{
					{ID: "t1", Number: "1111111111", CapturedAt: baseTime},
					{ID: "t2", Number: "2222222222", CapturedAt: baseTime},
				},
				GenericScans: []scan.GenericScanRecord{{ID: "g1", Text: "hello", CapturedAt: baseTime}},
			}
		})

		It("should delete one transfer", func() {
			removed, err := service.DeleteTransfer("t1")
			Expect(err).NotTo(HaveOccurred())
			Expect(removed.Number).To(Equal("1111111111"))
			Expect(db.state.Transfers).To(HaveLen(1))
			Expect(db.state.Transfers[0].ID).To(Equal("t2"))
		})

		It("should return ErrNotFound for unknown ids", func() {
			_, err := service.DeleteTransfer("nope")
			Expect(err).To(MatchError(ErrNotFound))
			_, err = service.DeleteGenericScan("nope")
			Expect(err).To(MatchError(ErrNotFound))
		})

		It("should delete one generic scan", func() {
			_, err := service.DeleteGenericScan("g1")
			Expect(err).NotTo(HaveOccurred())
			Expect(db.state.GenericScans).To(BeEmpty())
		})

		It("should allow a deleted number to be scanned again", func() {
			_, err := service.DeleteTransfer("t1")
			Expect(err).NotTo(HaveOccurred())
			_, err = service.Ingest("$1:1:1111111111:", scan.ModeTransfer)
			Expect(err).NotTo(HaveOccurred())
		})

		It("should clear each collection separately", func() {
			count, err := service.ClearTransfers()
			Expect(err).NotTo(HaveOccurred())
			Expect(count).To(Equal(2))
			Expect(db.state.Transfers).To(BeEmpty())
			Expect(db.state.GenericScans).To(HaveLen(1))

			count, err = service.ClearGenericScans()
			Expect(err).NotTo(HaveOccurred())
			Expect(count).To(Equal(1))
			Expect(db.state.GenericScans).To(BeEmpty())
		})
	})

	Describe("exports", func() {
		BeforeEach(func() {
			db.state = scan.State{
				Transfers: []scan.TransferRecord{
					{ID: "t1", Number: "1111111111", CapturedAt: baseTime},
					{ID: "t2", Number: "2222222222", CapturedAt: baseTime.Add(time.Minute)},
				},
				GenericScans: []scan.GenericScanRecord{{ID: "g1", Text: "hello", CapturedAt: baseTime}},
			}
		})

		It("should render a BOM-prefixed CSV with a dated file name", func() {
			data, filename, err := service.ExportCSV()
			Expect(err).NotTo(HaveOccurred())
			Expect(filename).To(Equal("transfers_2024-05-01.csv"))
			Expect(string(data)).To(Equal("\xEF\xBB\xBFID,Number,CapturedAt\n" +
				"1,1111111111,\"2024-05-01T09:30:00Z\"\n" +
				"2,2222222222,\"2024-05-01T09:31:00Z\"\n"))
		})

		It("should render a JSON backup", func() {
			data, filename, err := service.ExportBackup()
			Expect(err).NotTo(HaveOccurred())
			Expect(filename).To(Equal("scans_backup_2024-05-01.json"))
			Expect(string(data)).To(ContainSubstring(`"exportedAt": "2024-05-01T09:30:00Z"`))
			Expect(string(data)).To(ContainSubstring(`"genericScans"`))
		})
	})

	Describe("Import", func() {
		BeforeEach(func() {
			db.state = scan.State{
				Transfers:    []scan.TransferRecord{{ID: "t1", Number: "1111111111", CapturedAt: baseTime}},
				GenericScans: []scan.GenericScanRecord{},
			}
		})

		It("should merge new records", func() {
			report, err := service.Import([]byte(`{"transfers":[
				{"id":"a","number":"1111111111","capturedAt":"2024-01-01T00:00:00Z"},
				{"id":"b","number":"3333333333","capturedAt":"2024-01-01T00:00:00Z"}
			],"genericScans":[]}`), scan.ImportMerge)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.TransfersAdded).To(Equal(1))
			Expect(report.TransfersSkipped).To(Equal(1))
			Expect(db.state.Transfers).To(HaveLen(2))
		})

		It("should replace the state", func() {
			_, err := service.Import([]byte(`{"transfers":["3333333333"]}`), scan.ImportReplace)
			Expect(err).NotTo(HaveOccurred())
			Expect(db.state.Transfers).To(HaveLen(1))
			Expect(db.state.Transfers[0].Number).To(Equal("3333333333"))
		})

		It("should reject documents that are not backups", func() {
			_, err := service.Import([]byte(`{"hello":"world"}`), scan.ImportMerge)
			Expect(errors.Is(err, scan.ErrInvalidBackup)).To(BeTrue())
			Expect(db.saves).To(BeZero())
		})
	})

	Describe("SyncTransfer", func() {
		BeforeEach(func() {
			db.state = scan.State{Transfers: []scan.TransferRecord{{ID: "t1", Number: "1111111111", CapturedAt: baseTime}}}
		})

		It("should append the number to the sheet", func() {
			row, err := service.SyncTransfer(context.Background(), "t1")
			Expect(err).NotTo(HaveOccurred())
			Expect(row).To(Equal(2))
			Expect(sheet.numbers).To(Equal([]string{"1111111111"}))
		})

		It("should return ErrNotFound for unknown ids", func() {
			_, err := service.SyncTransfer(context.Background(), "nope")
			Expect(err).To(MatchError(ErrNotFound))
		})

		It("should wrap sync failures", func() {
			sheet.err = &sheets.SyncError{Kind: sheets.KindAuth, Err: errBoom}
			_, err := service.SyncTransfer(context.Background(), "t1")
			var syncErr *sheets.SyncError
			Expect(errors.As(err, &syncErr)).To(BeTrue())
			Expect(db.Messages()).To(ContainElement("Spreadsheet sync failed"))
		})

		When("no sheet is configured", func() {
			JustBeforeEach(func() {
				service = NewServiceWithDeps(db, newTestPipeline(), scanner, nil, archive, fixedClock{t: baseTime})
			})

			It("should return ErrSyncDisabled", func() {
				_, err := service.SyncTransfer(context.Background(), "t1")
				Expect(err).To(MatchError(ErrSyncDisabled))
			})
		})
	})

	Describe("Stats", func() {
		BeforeEach(func() {
			db.state = scan.State{
				Transfers: []scan.TransferRecord{
					{ID: "t1", Number: "1111111111", CapturedAt: baseTime.Add(time.Hour)},
					{ID: "t2", Number: "2222222222", CapturedAt: baseTime},
				},
				GenericScans: []scan.GenericScanRecord{{ID: "g1", Text: strings.Repeat("x", 100), CapturedAt: baseTime}},
			}
		})

		It("should count records and find the latest capture", func() {
			stats, err := service.Stats()
			Expect(err).NotTo(HaveOccurred())
			Expect(stats.Transfers).To(Equal(2))
			Expect(stats.GenericScans).To(Equal(1))
			Expect(*stats.LastCapturedAt).To(Equal(baseTime.Add(time.Hour)))
			Expect(stats.StateBytes).To(BeNumerically(">", 100))
			Expect(stats.NearCapacity).To(BeFalse())
		})

		It("should warn near the storage limit", func() {
			db.maxBytes = 300
			stats, err := service.Stats()
			Expect(err).NotTo(HaveOccurred())
			Expect(stats.MaxStateBytes).To(Equal(300))
			Expect(stats.NearCapacity).To(BeTrue())
		})
	})

	Describe("Activity", func() {
		It("should return the most recent entries first", func() {
			_, _ = service.Ingest("$1:1:1111111111:", scan.ModeTransfer)
			_, _ = service.Ingest("bad", scan.ModeTransfer)

			entries, err := service.Activity(1)
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(HaveLen(1))
			Expect(entries[0].Message).To(Equal("Scan does not match the expected format"))
		})
	})
})
