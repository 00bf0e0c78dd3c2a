package pipeline

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/TheEntropyCollective/orchard/pkg/blob"
	"github.com/TheEntropyCollective/orchard/pkg/store"
)

// Tunables. Package variables so tests can shrink them.
var (
	// downloadPartSize is the multipart part size; every part except the
	// last is exactly this large.
	downloadPartSize = int64(25 << 20)

	// maxDownloadBytes caps the package size.
	maxDownloadBytes = int64(8) << 30

	// stallTimeout fails the download when no body bytes arrive for this
	// long.
	stallTimeout = 60 * time.Second

	// progressInterval throttles task progress updates.
	progressInterval = 2 * time.Second
)

const (
	downloadRetries        = 3
	downloadAttemptTimeout = 30 * time.Second
)

// validateDownloadURL re-checks the CDN URL policy inside the engine. Every
// task already passed it at creation; the engine does not rely on that.
var validateDownloadURL = store.ValidateDownloadURL

// download fetches the task's CDN URL and streams it into a multipart upload
// at key, returning the stored size.
func (p *Pipeline) download(ctx context.Context, task store.Task, key string) (int64, error) {
	if err := validateDownloadURL(task.DownloadURL); err != nil {
		return 0, err
	}

	// The stall watchdog cancels the request context, which aborts the
	// in-flight body read. Pause and delete cancel the parent.
	reqCtx, cancelReq := context.WithCancel(ctx)
	defer cancelReq()
	var stalled atomic.Bool
	watchdog := time.AfterFunc(stallTimeout, func() {
		stalled.Store(true)
		cancelReq()
	})
	defer watchdog.Stop()

	resp, err := p.fetch(reqCtx, task.DownloadURL)
	if err != nil {
		if stalled.Load() {
			return 0, fmt.Errorf("download stalled: no response from cdn")
		}
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("cdn returned status %d", resp.StatusCode)
	}
	if resp.ContentLength > maxDownloadBytes {
		return 0, fmt.Errorf("download too large: %s exceeds the %s limit",
			humanize.IBytes(uint64(resp.ContentLength)), humanize.IBytes(uint64(maxDownloadBytes)))
	}

	uploadID, err := p.blobs.CreateMultipart(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("starting upload: %w", err)
	}

	size, err := p.streamBody(ctx, task.ID, resp.Body, key, uploadID, resp.ContentLength, watchdog, &stalled)
	if err != nil {
		// Abort with a fresh context so cancellation still cleans up.
		if aerr := p.blobs.AbortMultipart(context.Background(), key, uploadID); aerr != nil {
			p.logger.Warn().Err(aerr).Str("key", key).Msg("failed to abort multipart upload")
		}
		return 0, err
	}
	return size, nil
}

// fetch issues the GET with up to 3 retries and 1s/2s/4s backoff. Responses
// below 500 are never retried; each attempt's connection setup is bounded by
// a 30 second timeout.
func (p *Pipeline) fetch(ctx context.Context, url string) (*http.Response, error) {
	client := retryablehttp.NewClient()
	client.RetryMax = downloadRetries
	client.RetryWaitMin = 1 * time.Second
	client.RetryWaitMax = 4 * time.Second
	client.Logger = nil
	client.HTTPClient = &http.Client{
		Transport: &http.Transport{
			DialContext:           (&net.Dialer{Timeout: downloadAttemptTimeout}).DialContext,
			TLSHandshakeTimeout:   downloadAttemptTimeout,
			ResponseHeaderTimeout: downloadAttemptTimeout,
		},
	}
	client.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if err != nil {
			return true, nil
		}
		return resp.StatusCode >= 500, nil
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building cdn request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("fetching from cdn: %w", err)
	}
	return resp, nil
}

// streamBody consumes the response body into 25 MiB parts with a single
// in-flight pending upload: while one part uploads, reading continues into
// the next buffer.
func (p *Pipeline) streamBody(ctx context.Context, taskID string, body io.Reader, key, uploadID string, total int64, watchdog *time.Timer, stalled *atomic.Bool) (int64, error) {
	sink := &partSink{ctx: ctx, blobs: p.blobs, key: key, uploadID: uploadID, next: 1}
	progress := newProgressReporter(p.tasks, taskID, total)

	var (
		downloaded int64
		acc        []byte
		buf        = make([]byte, 256<<10)
	)
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			watchdog.Reset(stallTimeout)
			downloaded += int64(n)
			if downloaded > maxDownloadBytes {
				return 0, fmt.Errorf("download too large: body exceeds the %s limit",
					humanize.IBytes(uint64(maxDownloadBytes)))
			}
			acc = append(acc, buf[:n]...)

			// Two full parts buffered means the pending slot is
			// backed up; push the oldest through synchronously.
			for int64(len(acc)) >= 2*downloadPartSize {
				if err := sink.uploadSync(acc[:downloadPartSize]); err != nil {
					return 0, err
				}
				acc = acc[downloadPartSize:]
			}
			if int64(len(acc)) >= downloadPartSize && !sink.busy() {
				part := make([]byte, downloadPartSize)
				copy(part, acc)
				acc = acc[downloadPartSize:]
				sink.uploadAsync(part)
			}

			progress.report(downloaded)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			if stalled.Load() {
				return 0, fmt.Errorf("download stalled: no data from cdn for %s", stallTimeout)
			}
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			return 0, fmt.Errorf("reading cdn body: %w", rerr)
		}
	}
	watchdog.Stop()

	// Drain: pending slot, remaining full parts, then the trailing
	// partial. An empty body still publishes one empty part so the object
	// exists.
	if err := sink.wait(); err != nil {
		return 0, err
	}
	for int64(len(acc)) >= downloadPartSize {
		if err := sink.uploadSync(acc[:downloadPartSize]); err != nil {
			return 0, err
		}
		acc = acc[downloadPartSize:]
	}
	if len(acc) > 0 || sink.next == 1 {
		if err := sink.uploadSync(acc); err != nil {
			return 0, err
		}
	}

	if err := sink.complete(); err != nil {
		return 0, err
	}
	return downloaded, nil
}

// partSink numbers and uploads parts, holding at most one async upload.
type partSink struct {
	ctx      context.Context
	blobs    blob.Store
	key      string
	uploadID string
	next     int32
	parts    []blob.Part
	pending  chan partResult
}

type partResult struct {
	number int32
	part   blob.Part
	err    error
}

func (s *partSink) busy() bool { return s.pending != nil }

// wait drains the pending slot if occupied.
func (s *partSink) wait() error {
	if s.pending == nil {
		return nil
	}
	res := <-s.pending
	s.pending = nil
	if res.err != nil {
		return fmt.Errorf("uploading part %d: %w", res.number, res.err)
	}
	s.parts = append(s.parts, res.part)
	return nil
}

// uploadAsync fires data into the pending slot. The slot must be free and
// data must not be mutated afterwards.
func (s *partSink) uploadAsync(data []byte) {
	number := s.next
	s.next++
	ch := make(chan partResult, 1)
	s.pending = ch
	go func() {
		part, err := s.blobs.UploadPart(s.ctx, s.key, s.uploadID, number, data)
		ch <- partResult{number: number, part: part, err: err}
	}()
}

// uploadSync drains the pending slot, then uploads data inline.
func (s *partSink) uploadSync(data []byte) error {
	if err := s.wait(); err != nil {
		return err
	}
	number := s.next
	s.next++
	part, err := s.blobs.UploadPart(s.ctx, s.key, s.uploadID, number, data)
	if err != nil {
		return fmt.Errorf("uploading part %d: %w", number, err)
	}
	s.parts = append(s.parts, part)
	return nil
}

func (s *partSink) complete() error {
	if err := s.wait(); err != nil {
		return err
	}
	sort.Slice(s.parts, func(i, j int) bool { return s.parts[i].Number < s.parts[j].Number })
	if err := s.blobs.CompleteMultipart(s.ctx, s.key, s.uploadID, s.parts); err != nil {
		return fmt.Errorf("completing upload: %w", err)
	}
	return nil
}

// progressReporter throttles task record updates to once per interval.
type progressReporter struct {
	tasks     TaskStore
	taskID    string
	total     int64
	last      time.Time
	lastBytes int64
}

func newProgressReporter(tasks TaskStore, taskID string, total int64) *progressReporter {
	return &progressReporter{tasks: tasks, taskID: taskID, total: total, last: time.Now()}
}

func (r *progressReporter) report(downloaded int64) {
	now := time.Now()
	elapsed := now.Sub(r.last)
	if elapsed < progressInterval {
		return
	}

	speed := humanize.IBytes(uint64(float64(downloaded-r.lastBytes)/elapsed.Seconds())) + "/s"
	r.last = now
	r.lastBytes = downloaded

	percent := 0
	if r.total > 0 {
		percent = int(downloaded * 100 / r.total)
		if percent > 99 {
			// Completion flips the record to 100.
			percent = 99
		}
	}
	r.tasks.UpdateProgress(r.taskID, percent, speed)
}
