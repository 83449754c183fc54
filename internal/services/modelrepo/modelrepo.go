// Package modelrepo resolves model references to local files, downloading
// repository snapshots from the HuggingFace hub into the local cache.
package modelrepo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/cozy-creator/caption-server/internal/model"
	"github.com/cozy-creator/caption-server/internal/types"

	"github.com/cozy-creator/hf-hub/hub"
	"github.com/vbauerster/mpb/v7"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	ErrNotCached    = errors.New("model is not in the local cache")
	ErrFileNotFound = errors.New("model file not found in snapshot")
	ErrDownload     = errors.New("model download failed")
)

var commitHash = regexp.MustCompile(`^[0-9a-f]{40}$`)

// downloadFunc fetches the files of ref matching patterns into the cache.
type downloadFunc func(ref types.ModelRef, patterns []string) error

type Repository struct {
	cacheDir string
	logger   *zap.Logger
	download downloadFunc
	group    singleflight.Group
}

type Option func(*options)

type options struct {
	progress io.Writer
	endpoint string
}

// WithProgressOutput sets where download progress bars are drawn. A nil
// writer discards them.
func WithProgressOutput(w io.Writer) Option {
	return func(o *options) {
		o.progress = w
	}
}

// WithEndpoint overrides the hub endpoint (HF_ENDPOINT by default).
func WithEndpoint(endpoint string) Option {
	return func(o *options) {
		o.endpoint = endpoint
	}
}

// New returns a repository caching snapshots under cacheDir. An empty
// cacheDir uses the hub client's default location. A non-empty token
// replaces the one found in the environment.
func New(cacheDir, token string, logger *zap.Logger, opts ...Option) *Repository {
	o := options{progress: os.Stderr}
	for _, opt := range opts {
		opt(&o)
	}

	client := hub.DefaultClient()
	if cacheDir != "" {
		client.CacheDir = cacheDir
	}
	if token != "" {
		client.WithToken(token)
	}
	if o.endpoint != "" {
		client.Endpoint = o.endpoint
	}
	client.Progress = mpb.New(
		mpb.WithOutput(o.progress),
		mpb.WithWidth(60),
		mpb.WithRefreshRate(180*time.Millisecond),
	)

	r := &Repository{
		cacheDir: client.CacheDir,
		logger:   logger.Named("modelrepo"),
	}
	r.download = func(ref types.ModelRef, patterns []string) error {
		params := hub.DownloadParams{
			Repo:          &hub.Repo{Id: ref.ID, Revision: ref.Revision},
			Revision:      ref.Revision,
			AllowPatterns: patterns,
		}
		if _, err := client.Download(&params); err != nil {
			return err
		}
		return nil
	}

	return r
}

func (r *Repository) CacheDir() string {
	return r.cacheDir
}

// Fetch returns the files of variant, downloading only those files when
// they are not cached.
func (r *Repository) Fetch(ctx context.Context, ref types.ModelRef, variant model.Variant) (*model.Files, error) {
	dir, err := r.resolve(ctx, ref, variant.String(), FilePatterns(variant), func(dir string) error {
		_, err := Locate(dir, variant)
		return err
	})
	if err != nil {
		return nil, err
	}

	return Locate(dir, variant)
}

func (r *Repository) FetchTokenizer(ctx context.Context, ref types.ModelRef) (string, error) {
	dir, err := r.resolve(ctx, ref, "tokenizer", []string{tokenizerPattern}, func(dir string) error {
		_, err := findFile(dir, tokenizerFile)
		return err
	})
	if err != nil {
		return "", err
	}

	return findFile(dir, tokenizerFile)
}

// resolve returns the cached snapshot of ref once check passes on it,
// downloading the files matching patterns first when it does not.
// Concurrent callers for the same ref and key share a single download.
func (r *Repository) resolve(ctx context.Context, ref types.ModelRef, key string, patterns []string, check func(dir string) error) (string, error) {
	if dir, err := r.cachedSnapshot(ref); err == nil && check(dir) == nil {
		return dir, nil
	}

	if err := ctx.Err(); err != nil {
		return "", err
	}

	_, err, _ := r.group.Do(ref.String()+"#"+key, func() (any, error) {
		r.logger.Info("Downloading from HuggingFace",
			zap.String("repo_id", ref.ID),
			zap.String("revision", ref.Revision),
			zap.Strings("patterns", patterns),
			zap.String("cache_dir", r.cacheDir),
		)
		return nil, r.fetch(ref, patterns)
	})
	if err != nil {
		return "", err
	}

	dir, err := r.cachedSnapshot(ref)
	if err != nil {
		return "", err
	}
	if err := check(dir); err != nil {
		return "", err
	}

	return dir, nil
}

// fetch runs the download, turning a panic in the hub client into an error.
func (r *Repository) fetch(ref types.ModelRef, patterns []string) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %s: panic: %v", ErrDownload, ref, p)
		}
	}()

	if err := r.download(ref, patterns); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrDownload, ref, err)
	}
	return nil
}

// State reports whether variant of ref can be served from the cache without
// network access.
func (r *Repository) State(ref types.ModelRef, variant model.Variant) types.ModelState {
	dir, err := r.cachedSnapshot(ref)
	if err != nil {
		return types.ModelStateNotFound
	}

	if _, err := Locate(dir, variant); err != nil {
		return types.ModelStateNotFound
	}

	return types.ModelStateReady
}

func (r *Repository) cachedSnapshot(ref types.ModelRef) (string, error) {
	storage := filepath.Join(r.cacheDir, repoFolderName(ref.ID, "model"))

	revision := ref.Revision
	if revision == "" {
		revision = "main"
	}

	commit := revision
	if !commitHash.MatchString(revision) {
		raw, err := os.ReadFile(filepath.Join(storage, "refs", revision))
		if err != nil {
			return "", fmt.Errorf("%w: %s", ErrNotCached, ref)
		}
		commit = strings.TrimSpace(string(raw))
	}

	dir := filepath.Join(storage, "snapshots", commit)
	if !pathExists(dir) {
		return "", fmt.Errorf("%w: %s", ErrNotCached, ref)
	}

	return dir, nil
}

const (
	tokenizerFile    = "tokenizer.json"
	tokenizerPattern = "tokenizer*.json"
)

func visionCandidates(variant model.Variant) []string {
	return []string{"vision_model" + variant.FileSuffix() + ".onnx"}
}

func decoderCandidates(variant model.Variant) []string {
	suffix := variant.FileSuffix()
	return []string{
		"text_decoder_model_merged" + suffix + ".onnx",
		"text_decoder_model" + suffix + ".onnx",
		"decoder_model_merged" + suffix + ".onnx",
	}
}

// FilePatterns lists the repository files variant needs: its vision
// encoder and text decoder, at the root or under onnx/, and the tokenizer
// files.
func FilePatterns(variant model.Variant) []string {
	var patterns []string
	for _, name := range append(visionCandidates(variant), decoderCandidates(variant)...) {
		patterns = append(patterns, name, "onnx/"+name)
	}
	return append(patterns, tokenizerPattern)
}

// Locate finds the vision encoder, text decoder and tokenizer files of
// variant inside a snapshot directory.
func Locate(dir string, variant model.Variant) (*model.Files, error) {
	vision, err := findFile(dir, visionCandidates(variant)...)
	if err != nil {
		return nil, err
	}

	decoder, err := findFile(dir, decoderCandidates(variant)...)
	if err != nil {
		return nil, err
	}

	tokenizer, err := findFile(dir, tokenizerFile)
	if err != nil {
		return nil, err
	}

	return &model.Files{
		Dir:       dir,
		Vision:    vision,
		Decoder:   decoder,
		Tokenizer: tokenizer,
	}, nil
}

// findFile returns the first candidate present either in dir/onnx or in dir.
func findFile(dir string, candidates ...string) (string, error) {
	for _, name := range candidates {
		for _, path := range []string{
			filepath.Join(dir, "onnx", name),
			filepath.Join(dir, name),
		} {
			if pathExists(path) {
				return path, nil
			}
		}
	}

	return "", fmt.Errorf("%w: %s in %s", ErrFileNotFound, strings.Join(candidates, ", "), dir)
}

// repoFolderName converts "username/repo" to "models--username--repo".
func repoFolderName(repoID string, repoType string) string {
	parts := append([]string{repoType + "s"}, strings.Split(repoID, "/")...)
	return strings.Join(parts, "--")
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
