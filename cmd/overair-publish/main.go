package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/overair/overair/internal/contentaddr"
	"github.com/overair/overair/internal/publish"
	"github.com/overair/overair/internal/secrets"
)

func main() {
	var (
		dir       = flag.String("dir", "", "export directory containing metadata.json and expoConfig.json (required)")
		serverURL = flag.String("server", "", "update server base URL (required)")
		apiKeyRef = flag.String("api-key", "", "publish API key secret reference: env:NAME, file:/path, or aws:id (required)")

		concurrency = flag.Int("upload-concurrency", 5, "parallel asset uploads")
		timeout     = flag.Duration("timeout", 5*time.Minute, "per-request HTTP timeout")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *dir == "" || *serverURL == "" || *apiKeyRef == "" {
		fmt.Fprintln(os.Stderr, "error: --dir, --server, and --api-key are required")
		os.Exit(2)
	}
	if *concurrency <= 0 {
		fmt.Fprintln(os.Stderr, "error: --upload-concurrency must be > 0")
		os.Exit(2)
	}
	if *timeout <= 0 {
		fmt.Fprintln(os.Stderr, "error: --timeout must be > 0")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	apiKey, err := secrets.NewResolver().Resolve(ctx, *apiKeyRef)
	if err != nil {
		log.Error("resolve api key", "err", err)
		os.Exit(2)
	}

	p := &publisher{
		dir:         *dir,
		serverURL:   strings.TrimRight(*serverURL, "/"),
		apiKey:      apiKey,
		concurrency: *concurrency,
		client:      &http.Client{Timeout: *timeout},
		log:         log,
	}
	if err := p.run(ctx); err != nil {
		log.Error("publish failed", "err", err)
		os.Exit(1)
	}
}

type publisher struct {
	dir         string
	serverURL   string
	apiKey      string
	concurrency int
	client      *http.Client
	log         *slog.Logger
}

func (p *publisher) run(ctx context.Context) error {
	req, err := p.buildSubmission()
	if err != nil {
		return err
	}

	updateID, err := contentaddr.UpdateID(req.Metadata)
	if err != nil {
		return err
	}
	p.log.Info("prepared update", "update_id", updateID, "files", len(req.Files))

	res, err := p.submit(ctx, req)
	if err != nil {
		return err
	}

	if res.Status == publish.StatusWaitingForFiles {
		p.log.Info("uploading files", "count", len(res.Files))
		if err := p.uploadAll(ctx, res.Files); err != nil {
			return err
		}
		if res, err = p.submit(ctx, req); err != nil {
			return err
		}
	}

	switch res.Status {
	case publish.StatusPublished:
		p.log.Info("update published", "update_id", updateID)
	case publish.StatusAlreadyPublished:
		p.log.Info("an update with this content is already published", "update_id", updateID)
	case publish.StatusVersionConflict:
		return fmt.Errorf("a different update already published this version")
	case publish.StatusWaitingForFiles:
		return fmt.Errorf("%d files still missing after upload", len(res.Files))
	default:
		return fmt.Errorf("unexpected status %q", res.Status)
	}
	return nil
}

// buildSubmission reads the export directory, hashes every referenced
// file, and assembles the submission body.
func (p *publisher) buildSubmission() (publish.SubmitRequest, error) {
	metadata, err := os.ReadFile(filepath.Join(p.dir, "metadata.json"))
	if err != nil {
		return publish.SubmitRequest{}, fmt.Errorf("read metadata.json: %w", err)
	}
	config, err := os.ReadFile(filepath.Join(p.dir, "expoConfig.json"))
	if err != nil {
		return publish.SubmitRequest{}, fmt.Errorf("read expoConfig.json: %w", err)
	}

	refs, err := publish.ReferencedFiles(metadata)
	if err != nil {
		return publish.SubmitRequest{}, err
	}

	files := make([]publish.FileHash, 0, len(refs))
	for _, ref := range refs {
		data, err := os.ReadFile(filepath.Join(p.dir, filepath.FromSlash(ref.Path)))
		if err != nil {
			return publish.SubmitRequest{}, fmt.Errorf("read asset %s: %w", ref.Path, err)
		}
		key, hash := contentaddr.Digests(data)
		files = append(files, publish.FileHash{
			Path: ref.Path,
			Ext:  ref.Ext,
			Hash: hash,
			Key:  key,
		})
	}

	return publish.SubmitRequest{
		Config:   json.RawMessage(config),
		Metadata: json.RawMessage(metadata),
		Files:    files,
	}, nil
}

func (p *publisher) submit(ctx context.Context, body publish.SubmitRequest) (publish.Result, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return publish.Result{}, fmt.Errorf("marshal submission: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+"/api/update", bytes.NewReader(payload))
	if err != nil {
		return publish.Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("api-key", p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return publish.Result{}, fmt.Errorf("submit update: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return publish.Result{}, fmt.Errorf("read submit response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return publish.Result{}, fmt.Errorf("submit returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var res publish.Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return publish.Result{}, fmt.Errorf("decode submit response: %w", err)
	}
	p.log.Info("submitted", "status", res.Status)
	return res, nil
}

// uploadAll PUTs every descriptor's file to its presigned URL with
// bounded concurrency. The first failure wins; remaining uploads still
// drain so the pool shuts down cleanly.
func (p *publisher) uploadAll(ctx context.Context, descriptors []publish.UploadDescriptor) error {
	sem := make(chan struct{}, p.concurrency)
	errCh := make(chan error, len(descriptors))
	var wg sync.WaitGroup

	for _, d := range descriptors {
		wg.Add(1)
		go func(d publish.UploadDescriptor) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			if err := p.uploadOne(ctx, d); err != nil {
				errCh <- err
			}
		}(d)
	}
	wg.Wait()
	close(errCh)

	return <-errCh
}

func (p *publisher) uploadOne(ctx context.Context, d publish.UploadDescriptor) error {
	data, err := os.ReadFile(filepath.Join(p.dir, filepath.FromSlash(d.Path)))
	if err != nil {
		return fmt.Errorf("read asset %s: %w", d.Path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, d.SignedPayload, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentaddr.ContentType(d.Ext))

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("upload %s: %w", d.Path, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("upload %s: status %d", d.Path, resp.StatusCode)
	}
	p.log.Info("uploaded", "path", d.Path, "bytes", len(data))
	return nil
}
