package modelstore

import (
	"context"
	"fmt"

	"github.com/gomlx/go-huggingface/hub"
)

const DefaultRepo = "openai-community/gpt2"

type hubConfig struct {
	Repo     string `json:"repo"`
	Revision string `json:"revision"`
	CacheDir string `json:"cache_dir"`
	Token    string `json:"token"`
}

type hubStore struct {
	repoID string
	repo   *hub.Repo
}

func init() {
	Register("hub", createHubStore)
}

func createHubStore(args interface{}) (Store, error) {
	config := &hubConfig{}
	if args != nil {
		if err := decodeConfig(args, config); err != nil {
			return nil, err
		}
	}
	if config.Repo == "" {
		config.Repo = DefaultRepo
	}
	repo := hub.New(config.Repo)
	if config.Revision != "" {
		repo = repo.WithRevision(config.Revision)
	}
	if config.CacheDir != "" {
		repo = repo.WithCacheDir(config.CacheDir)
	}
	if config.Token != "" {
		repo = repo.WithAuth(config.Token)
	}
	return &hubStore{repoID: config.Repo, repo: repo}, nil
}

func (s *hubStore) Type() string {
	return "hub"
}

func (s *hubStore) Fetch(ctx context.Context, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path, err := s.repo.DownloadFile(name)
	if err != nil {
		return "", fmt.Errorf("download %s from %s: %w", name, s.repoID, err)
	}
	return path, nil
}
