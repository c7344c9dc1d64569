package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

// archiveRow is the flattened parquet schema for archived audit entries.
type archiveRow struct {
	AuditID          string  `parquet:"name=audit_id, type=UTF8"`
	TxHash           string  `parquet:"name=tx_hash, type=UTF8"`
	Timestamp        int64   `parquet:"name=timestamp, type=INT64"`
	Outcome          string  `parquet:"name=outcome, type=UTF8"`
	Decision         string  `parquet:"name=decision, type=UTF8"`
	DecisionReason   string  `parquet:"name=decision_reason, type=UTF8"`
	RiskScore        float64 `parquet:"name=risk_score, type=DOUBLE"`
	FraudProbability float64 `parquet:"name=fraud_probability, type=DOUBLE"`
	Confidence       float64 `parquet:"name=confidence, type=DOUBLE"`
	Priority         string  `parquet:"name=priority, type=UTF8"`
	OracleID         string  `parquet:"name=oracle_id, type=UTF8"`
	ComplianceState  string  `parquet:"name=compliance_state, type=UTF8"`
	Integrity        string  `parquet:"name=integrity, type=UTF8"`
}

// Archiver exports audit entries whose retention window has lapsed into
// parquet files and prunes them from the live store.
type Archiver struct {
	trail     *Trail
	outputDir string
	clock     func() time.Time
}

// NewArchiver constructs an archiver writing exports under outputDir.
func NewArchiver(trail *Trail, outputDir string) *Archiver {
	return &Archiver{trail: trail, outputDir: outputDir, clock: time.Now}
}

// SetClock overrides the time source, enabling deterministic unit tests.
func (a *Archiver) SetClock(clock func() time.Time) {
	if a == nil || clock == nil {
		return
	}
	a.clock = clock
}

// Run scans the store for entries past retention, writes them to a dated
// parquet file, and deletes them from the store. It returns the number of
// archived entries and the export path ("" when nothing qualified).
func (a *Archiver) Run() (int, string, error) {
	if a == nil || a.trail == nil || a.trail.store == nil {
		return 0, "", fmt.Errorf("audit: archiver not initialised")
	}
	now := a.clock().UTC()
	prefix := []byte(a.trail.cfg.KeyPrefix)

	expired := make([]*Entry, 0)
	keys := make([][]byte, 0)
	err := a.trail.store.IteratePrefix(prefix, func(key, value []byte) bool {
		var entry Entry
		if jsonErr := json.Unmarshal(value, &entry); jsonErr != nil {
			return true
		}
		if entry.RetentionUntil > 0 && now.Unix() > entry.RetentionUntil {
			expired = append(expired, &entry)
			keys = append(keys, append([]byte(nil), key...))
		}
		return true
	})
	if err != nil {
		return 0, "", fmt.Errorf("audit: scan for archival: %w", err)
	}
	if len(expired) == 0 {
		return 0, "", nil
	}

	path := filepath.Join(a.outputDir, fmt.Sprintf("audit-archive-%s.parquet", now.Format("20060102T150405")))
	if err := writeArchive(path, expired); err != nil {
		return 0, "", err
	}

	for _, key := range keys {
		if err := a.trail.store.Delete(key); err != nil {
			return len(expired), path, fmt.Errorf("audit: prune archived entry: %w", err)
		}
	}
	return len(expired), path, nil
}

func writeArchive(path string, entries []*Entry) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("audit: create archive dir: %w", err)
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audit: create archive: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(archiveRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("audit: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, entry := range entries {
		row := &archiveRow{
			AuditID:          entry.AuditID,
			TxHash:           entry.TxHash,
			Timestamp:        entry.Timestamp,
			Outcome:          string(entry.Outcome),
			Decision:         string(entry.Decision),
			DecisionReason:   entry.DecisionReason,
			RiskScore:        entry.RiskScore,
			FraudProbability: entry.FraudProbability,
			Confidence:       entry.Confidence,
			Priority:         entry.Priority,
			OracleID:         entry.OracleID,
			ComplianceState:  string(entry.Compliance.State),
			Integrity:        entry.Integrity,
		}
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("audit: write archive row: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("audit: finalise archive: %w", err)
	}
	return file.Close()
}
