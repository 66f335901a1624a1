package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"

	"github.com/supabase-community/supabase-go"
)

type SupabaseConfig struct {
	URL            string
	ServiceRoleKey string
	Bucket         string
}

// SupabaseStore writes each transcript as a JSON object under
// transcripts/<date>/<session>.json in a storage bucket.
type SupabaseStore struct {
	upload func(bucket, key string, data []byte) error
	bucket string
}

func NewSupabaseStore(cfg SupabaseConfig) (*SupabaseStore, error) {
	client, err := supabase.NewClient(cfg.URL, cfg.ServiceRoleKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("create supabase client: %w", err)
	}
	return &SupabaseStore{
		bucket: cfg.Bucket,
		upload: func(bucket, key string, data []byte) error {
			_, err := client.Storage.UploadFile(bucket, key, bytes.NewReader(data))
			return err
		},
	}, nil
}

func objectKey(t Transcript) string {
	return path.Join("transcripts", t.StartedAt.UTC().Format("2006-01-02"), t.SessionID+".json")
}

func (s *SupabaseStore) SaveTranscript(ctx context.Context, t Transcript) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode transcript: %w", err)
	}
	if err := s.upload(s.bucket, objectKey(t), data); err != nil {
		return fmt.Errorf("failed to upload transcript to Supabase: %w", err)
	}
	return nil
}

func (s *SupabaseStore) Close() error { return nil }
