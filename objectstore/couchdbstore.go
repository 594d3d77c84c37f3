package objectstore

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	kivik "github.com/go-kivik/kivik/v4"
	_ "github.com/go-kivik/kivik/v4/couchdb"
)

// CouchDBStore implements Store over a single CouchDB database,
// for shards that prefer a document database to a flat S3 bucket.
// Each object-store key becomes one document; since CouchDB document
// ids cannot contain "/" cleanly across all deployments, the key is
// base64url-encoded into the document id, with the original key kept
// in a field for listing.
type CouchDBStore struct {
	client *kivik.Client
	db     *kivik.DB
}

type couchDoc struct {
	ID          string `json:"_id"`
	Rev         string `json:"_rev,omitempty"`
	Key         string `json:"key"`
	ContentType string `json:"contentType"`
	Data        []byte `json:"data"`
}

func NewCouchDBStore(ctx context.Context, url, user, password, database string) (*CouchDBStore, error) {
	connectionURL := url
	if user != "" && password != "" && !strings.Contains(connectionURL, "@") {
		parts := strings.SplitN(connectionURL, "://", 2)
		if len(parts) == 2 {
			connectionURL = fmt.Sprintf("%s://%s:%s@%s", parts[0], user, password, parts[1])
		}
	}

	client, err := kivik.New("couch", connectionURL)
	if err != nil {
		return nil, fmt.Errorf("creating couchdb client: %w", err)
	}

	db := client.DB(database)
	if err := db.Err(); err != nil {
		if err := client.CreateDB(ctx, database); err != nil {
			return nil, fmt.Errorf("creating couchdb database %s: %w", database, err)
		}
		db = client.DB(database)
	}

	return &CouchDBStore{client: client, db: db}, nil
}

func docID(key string) string {
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString([]byte(key))
}

func (c *CouchDBStore) Get(ctx context.Context, key string) ([]byte, error) {
	var doc couchDoc
	if err := c.db.Get(ctx, docID(key)).ScanDoc(&doc); err != nil {
		if isCouchNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting couchdb document %s: %w", key, err)
	}
	return doc.Data, nil
}

func (c *CouchDBStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	id := docID(key)
	doc := couchDoc{ID: id, Key: key, ContentType: contentType, Data: data}

	var existing couchDoc
	if err := c.db.Get(ctx, id).ScanDoc(&existing); err == nil {
		doc.Rev = existing.Rev
	}

	_, err := c.db.Put(ctx, id, doc)
	if err != nil {
		return fmt.Errorf("putting couchdb document %s: %w", key, err)
	}
	return nil
}

func (c *CouchDBStore) ListPrefix(ctx context.Context, prefix string, continuationToken string) (Page, error) {
	selector := map[string]interface{}{
		"key": map[string]interface{}{"$gte": prefix, "$lt": prefix + "\uffff"},
	}
	rows := c.db.Find(ctx, map[string]interface{}{"selector": selector})
	defer rows.Close()

	page := Page{}
	for rows.Next() {
		var doc couchDoc
		if err := rows.ScanDoc(&doc); err != nil {
			continue
		}
		page.Objects = append(page.Objects, ObjectInfo{Key: doc.Key, Size: int64(len(doc.Data))})
	}
	return page, rows.Err()
}

func isCouchNotFound(err error) bool {
	var httpErr interface{ StatusCode() int }
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode() == 404
	}
	return strings.Contains(err.Error(), "not_found") || strings.Contains(err.Error(), "404")
}
