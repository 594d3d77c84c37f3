package repository

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var discoveryBucket = []byte("discovery")

type discoveryRecord struct {
	CommitSHA string    `json:"commitSha"`
	LastRun   time.Time `json:"lastRun"`
}

// Bolt is a local, single-file performance cache of each blueprint's
// last-seen source commit and most recently observed run timestamp.
// It caches discovery only, never dispatch: a missing or stale entry
// just costs a redundant listing, never an incorrect run.
type Bolt struct {
	db *bolt.DB
}

// NewBolt opens or creates the cache file at path.
func NewBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bolt discovery cache at %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(discoveryBucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating discovery bucket: %w", err)
	}
	return &Bolt{db: db}, nil
}

func (b *Bolt) Put(blueprintID, commitSHA string, lastRun time.Time) error {
	data, err := json.Marshal(discoveryRecord{CommitSHA: commitSHA, LastRun: lastRun})
	if err != nil {
		return fmt.Errorf("marshalling discovery record for %s: %w", blueprintID, err)
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(discoveryBucket).Put([]byte(blueprintID), data)
	})
}

func (b *Bolt) Get(blueprintID string) (commitSHA string, lastRun time.Time, found bool, err error) {
	err = b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(discoveryBucket).Get([]byte(blueprintID))
		if data == nil {
			return nil
		}
		var rec discoveryRecord
		if unmarshalErr := json.Unmarshal(data, &rec); unmarshalErr != nil {
			return fmt.Errorf("unmarshalling discovery record for %s: %w", blueprintID, unmarshalErr)
		}
		commitSHA, lastRun, found = rec.CommitSHA, rec.LastRun, true
		return nil
	})
	return commitSHA, lastRun, found, err
}

func (b *Bolt) Close() error {
	return b.db.Close()
}
