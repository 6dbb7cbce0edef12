// Package objectstore provides immutable blob storage with prefix listing and
// time-bounded signed handles.
//
// The filesystem implementation writes atomically (temp file + rename) and
// keeps the bucket layout identical to the documented key namespaces so
// downstream tools can read artifacts directly.
package objectstore

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/forestshield/forestshield/internal/fserr"
)

// ObjectInfo describes one stored object in a listing.
type ObjectInfo struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"lastModified"`
}

// Store is the blob storage contract the core consumes. A cloud-bucket
// implementation satisfies the same interface.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string, max int) ([]ObjectInfo, error)
	SignedURL(key string, ttl time.Duration) (string, error)
	Delete(ctx context.Context, key string) error
}

// FSStore is a filesystem-backed Store rooted at a data directory.
type FSStore struct {
	root      string
	signKey   []byte
	publicURL string
}

// NewFSStore creates the store root and signing key. publicURL is the base
// under which signed URLs are served (the API mounts the verifier there).
func NewFSStore(root, publicURL string) (*FSStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create object store root: %w", err)
	}

	key, err := loadOrCreateSignKey(filepath.Join(root, ".signkey"))
	if err != nil {
		return nil, err
	}

	log.Info().Str("root", root).Msg("Object store initialized")
	return &FSStore{root: root, signKey: key, publicURL: strings.TrimRight(publicURL, "/")}, nil
}

// Put stores data under key, overwriting any previous object.
func (s *FSStore) Put(ctx context.Context, key string, data []byte) error {
	path, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fserr.E(fserr.KindTransient, "object_put", err).WithResource(key)
	}

	// Atomic write: a reader never observes a half-written object.
	tmp, err := os.CreateTemp(filepath.Dir(path), ".put-*")
	if err != nil {
		return fserr.E(fserr.KindTransient, "object_put", err).WithResource(key)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fserr.E(fserr.KindTransient, "object_put", err).WithResource(key)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fserr.E(fserr.KindTransient, "object_put", err).WithResource(key)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fserr.E(fserr.KindTransient, "object_put", err).WithResource(key)
	}
	return nil
}

// Get returns the object's bytes.
func (s *FSStore) Get(ctx context.Context, key string) ([]byte, error) {
	path, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, fserr.Ef(fserr.KindNotFound, "object_get", "object %s not found", key).WithResource(key)
	}
	if err != nil {
		return nil, fserr.E(fserr.KindTransient, "object_get", err).WithResource(key)
	}
	return data, nil
}

// List walks every object under prefix, sorted by key, capped at max.
func (s *FSStore) List(ctx context.Context, prefix string, max int) ([]ObjectInfo, error) {
	if max <= 0 {
		max = 1000
	}
	var objects []ObjectInfo
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		objects = append(objects, ObjectInfo{
			Key:          key,
			Size:         info.Size(),
			LastModified: info.ModTime().UTC(),
		})
		return nil
	})
	if err != nil {
		return nil, fserr.E(fserr.KindTransient, "object_list", err).WithResource(prefix)
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	if len(objects) > max {
		objects = objects[:max]
	}
	return objects, nil
}

// Delete removes the object. Deleting an absent key is a no-op.
func (s *FSStore) Delete(ctx context.Context, key string) error {
	path, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fserr.E(fserr.KindTransient, "object_delete", err).WithResource(key)
	}
	return nil
}

// SignedURL returns a time-limited download URL for key.
func (s *FSStore) SignedURL(key string, ttl time.Duration) (string, error) {
	if _, err := s.resolve(key); err != nil {
		return "", err
	}
	expires := time.Now().Add(ttl).Unix()
	sig := s.sign(key, expires)
	return fmt.Sprintf("%s/objects/%s?expires=%d&signature=%s",
		s.publicURL, url.PathEscape(key), expires, sig), nil
}

// VerifySignedURL checks a signature produced by SignedURL. Expired or forged
// signatures are rejected as Validation errors.
func (s *FSStore) VerifySignedURL(key string, expires int64, signature string) error {
	if time.Now().Unix() > expires {
		return fserr.Ef(fserr.KindValidation, "verify_signed_url", "url for %s expired", key).WithResource(key)
	}
	want := s.sign(key, expires)
	if !hmac.Equal([]byte(want), []byte(signature)) {
		return fserr.Ef(fserr.KindValidation, "verify_signed_url", "bad signature for %s", key).WithResource(key)
	}
	return nil
}

func (s *FSStore) sign(key string, expires int64) string {
	mac := hmac.New(sha256.New, s.signKey)
	mac.Write([]byte(key))
	mac.Write([]byte{0})
	mac.Write([]byte(strconv.FormatInt(expires, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

// resolve maps a key to a filesystem path, rejecting traversal outside root.
func (s *FSStore) resolve(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") {
		return "", fserr.Ef(fserr.KindValidation, "object_key", "invalid key %q", key).WithResource(key)
	}
	path := filepath.Join(s.root, filepath.FromSlash(key))
	if !strings.HasPrefix(path, filepath.Clean(s.root)+string(os.PathSeparator)) {
		return "", fserr.Ef(fserr.KindValidation, "object_key", "key %q escapes store root", key).WithResource(key)
	}
	return path, nil
}

func loadOrCreateSignKey(path string) ([]byte, error) {
	if data, err := os.ReadFile(path); err == nil && len(data) == 32 {
		return data, nil
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate sign key: %w", err)
	}
	if err := os.WriteFile(path, key, 0600); err != nil {
		return nil, fmt.Errorf("failed to persist sign key: %w", err)
	}
	return key, nil
}
