package notifier

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketDeliveries = []byte("deliveries")

// DeliveryRecord captures one webhook delivery attempt.
type DeliveryRecord struct {
	DeliveryID string    `json:"deliveryId"`
	Endpoint   string    `json:"endpoint"`
	Event      string    `json:"event"`
	Attempt    int       `json:"attempt"`
	Delivered  bool      `json:"delivered"`
	LastError  string    `json:"lastError,omitempty"`
	AttemptAt  time.Time `json:"attemptAt"`
}

// Journal is the BoltDB-backed delivery log.
type Journal struct {
	db *bolt.DB
}

// OpenJournal initialises (and migrates) the journal database.
func OpenJournal(path string) (*Journal, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("notifier: open journal: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketDeliveries)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("notifier: migrate journal: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close releases the underlying database handle.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Append records one delivery attempt. Attempts are keyed by delivery id,
// endpoint, and attempt number so retries never overwrite earlier records.
func (j *Journal) Append(record DeliveryRecord) error {
	if j == nil || j.db == nil {
		return fmt.Errorf("notifier: journal not initialised")
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("notifier: encode delivery record: %w", err)
	}
	key := fmt.Sprintf("%s/%s/%04d", record.DeliveryID, record.Endpoint, record.Attempt)
	return j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeliveries).Put([]byte(key), raw)
	})
}

// ByDelivery returns every journalled attempt for a delivery id in attempt
// order.
func (j *Journal) ByDelivery(deliveryID string) ([]DeliveryRecord, error) {
	if j == nil || j.db == nil {
		return nil, fmt.Errorf("notifier: journal not initialised")
	}
	prefix := []byte(deliveryID + "/")
	records := make([]DeliveryRecord, 0)
	err := j.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(bucketDeliveries).Cursor()
		for k, v := cursor.Seek(prefix); k != nil && len(k) >= len(prefix) && string(k[:len(prefix)]) == string(prefix); k, v = cursor.Next() {
			var record DeliveryRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return fmt.Errorf("notifier: decode delivery record: %w", err)
			}
			records = append(records, record)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}
