package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	goredis "github.com/redis/go-redis/v9"
)

// ErrArtifactNotFound: артефакта с таким id нет в хранилище.
var ErrArtifactNotFound = errors.New("model artifact not found")

// ModelStore хранит артефакты моделей по id.
type ModelStore interface {
	Load(ctx context.Context, id string) (Artifact, error)
	Save(ctx context.Context, a Artifact) error
}

// FileStore: каталог с файлами <id>.json.
type FileStore struct {
	Dir string
}

func (s FileStore) path(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("model store: invalid id %q", id)
	}
	return filepath.Join(s.Dir, id+".json"), nil
}

func (s FileStore) Load(_ context.Context, id string) (Artifact, error) {
	p, err := s.path(id)
	if err != nil {
		return Artifact{}, err
	}
	b, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return Artifact{}, fmt.Errorf("model store: %s: %w", p, ErrArtifactNotFound)
	}
	if err != nil {
		return Artifact{}, fmt.Errorf("model store: read %s: %w", p, err)
	}
	return decodeArtifact(b)
}

// Save пишет через временный файл и rename, чтобы не оставить половину JSON.
func (s FileStore) Save(_ context.Context, a Artifact) error {
	p, err := s.path(a.ID)
	if err != nil {
		return err
	}
	b, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("model store: encode %s: %w", a.ID, err)
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("model store: mkdir %s: %w", s.Dir, err)
	}
	tmp, err := os.CreateTemp(s.Dir, a.ID+".*.tmp")
	if err != nil {
		return fmt.Errorf("model store: temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("model store: write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("model store: close %s: %w", tmp.Name(), err)
	}
	return os.Rename(tmp.Name(), p)
}

// RedisStore: артефакты как JSON-строки под ключом <Prefix><id>.
type RedisStore struct {
	Client *goredis.Client
	Prefix string
}

const defaultRedisPrefix = "ticker-pipeline:model:"

func (s RedisStore) key(id string) string {
	p := s.Prefix
	if p == "" {
		p = defaultRedisPrefix
	}
	return p + id
}

func (s RedisStore) Load(ctx context.Context, id string) (Artifact, error) {
	b, err := s.Client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return Artifact{}, fmt.Errorf("model store: redis %s: %w", s.key(id), ErrArtifactNotFound)
	}
	if err != nil {
		return Artifact{}, fmt.Errorf("model store: redis get %s: %w", s.key(id), err)
	}
	return decodeArtifact(b)
}

func (s RedisStore) Save(ctx context.Context, a Artifact) error {
	b, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("model store: encode %s: %w", a.ID, err)
	}
	if err := s.Client.Set(ctx, s.key(a.ID), b, 0).Err(); err != nil {
		return fmt.Errorf("model store: redis set %s: %w", s.key(a.ID), err)
	}
	return nil
}

func decodeArtifact(b []byte) (Artifact, error) {
	var a Artifact
	if err := json.Unmarshal(b, &a); err != nil {
		return Artifact{}, fmt.Errorf("model store: decode: %w", err)
	}
	if err := a.validate(); err != nil {
		return Artifact{}, fmt.Errorf("model store: %w", err)
	}
	return a, nil
}
