package finguard

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"southwinds.dev/finguard/internal/crypto"
)

// storedRecord is the JSON form of one protected record in the physical store
type storedRecord struct {
	Data      string `json:"data"`
	IV        string `json:"iv"`
	Salt      string `json:"salt"`
	Version   string `json:"version"`
	Timestamp int64  `json:"timestamp"`
}

func toStoredRecord(record *crypto.Record) storedRecord {
	return storedRecord{
		Data:      base64.StdEncoding.EncodeToString(record.Ciphertext),
		IV:        hex.EncodeToString(record.IV),
		Salt:      hex.EncodeToString(record.Salt),
		Version:   record.Version,
		Timestamp: record.CreatedAt.UnixMilli(),
	}
}

func encodeRecord(record *crypto.Record) ([]byte, error) {
	return json.Marshal(toStoredRecord(record))
}

func decodeRecord(raw []byte) (*crypto.Record, error) {
	var sr storedRecord
	if err := json.Unmarshal(raw, &sr); err != nil {
		return nil, fmt.Errorf("malformed record: %w", err)
	}
	return sr.toRecord()
}

func (sr storedRecord) toRecord() (*crypto.Record, error) {
	if sr.Data == "" || sr.IV == "" || sr.Salt == "" || sr.Version == "" {
		return nil, fmt.Errorf("malformed record: missing fields")
	}
	ciphertext, err := base64.StdEncoding.DecodeString(sr.Data)
	if err != nil {
		return nil, fmt.Errorf("malformed record data: %w", err)
	}
	iv, err := hex.DecodeString(sr.IV)
	if err != nil {
		return nil, fmt.Errorf("malformed record iv: %w", err)
	}
	salt, err := hex.DecodeString(sr.Salt)
	if err != nil {
		return nil, fmt.Errorf("malformed record salt: %w", err)
	}
	return &crypto.Record{
		Ciphertext: ciphertext,
		IV:         iv,
		Salt:       salt,
		Version:    sr.Version,
		CreatedAt:  time.UnixMilli(sr.Timestamp).UTC(),
	}, nil
}
