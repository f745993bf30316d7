package uploader

import (
	"bytes"
	"context"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/ratelimit"
	"golang.org/x/sync/errgroup"

	"roomdrop/internal/domain"
	"roomdrop/internal/target"
)

// Progress is called after every accepted chunk.
type Progress func(done, total int)

// Result describes a finished upload.
type Result struct {
	FileID      string
	TotalChunks int
	// Message is the file message posted by the server, when this client's
	// chunk was the one that completed the transfer.
	Message *domain.Message
}

type initiateResponse struct {
	FileID      string `json:"fileId"`
	TotalChunks int    `json:"totalChunks"`
	ChunkSize   int    `json:"chunkSize"`
}

type chunkResponse struct {
	Accepted   bool            `json:"accepted"`
	IsComplete bool            `json:"isComplete"`
	Message    *domain.Message `json:"message,omitempty"`
}

// UploadFile sends the file at path to d.
func (c *Client) UploadFile(ctx context.Context, d target.Descriptor, path string, onProgress Progress) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open upload source")
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, errors.Wrap(err, "stat upload source")
	}
	name := filepath.Base(path)
	return c.Upload(ctx, d, domain.FileMeta{
		Name: name,
		Size: info.Size(),
		Mime: mime.TypeByExtension(filepath.Ext(name)),
	}, f, onProgress)
}

// Upload announces meta, then sends every chunk of src. A chunk failing
// with a non-retryable error, or exhausting its retries, aborts the rest.
func (c *Client) Upload(ctx context.Context, d target.Descriptor, meta domain.FileMeta, src io.ReaderAt, onProgress Progress) (*Result, error) {
	var init initiateResponse
	payload := map[string]interface{}{"recipientId": d.RecipientID, "roomId": d.RoomID, "file": meta}
	if err := c.doJSON(ctx, http.MethodPost, "/api/files", payload, &init); err != nil {
		return nil, errors.Wrap(err, "initiate upload")
	}
	chunkSize := init.ChunkSize
	if chunkSize <= 0 {
		chunkSize = domain.ChunkSize
	}

	logger := logrus.WithFields(logrus.Fields{
		"function": "Upload",
		"file_id":  init.FileID,
		"name":     meta.Name,
	})
	logger.WithFields(logrus.Fields{
		"size":   humanize.IBytes(uint64(meta.Size)),
		"chunks": init.TotalChunks,
	}).Debug("Upload initiated")

	var limiter ratelimit.Limiter
	if c.chunksPerSecond > 0 {
		limiter = ratelimit.New(c.chunksPerSecond)
	}

	var (
		mu   sync.Mutex
		done int
		res  = &Result{FileID: init.FileID, TotalChunks: init.TotalChunks}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for index := 0; index < init.TotalChunks; index++ {
		if gctx.Err() != nil {
			break
		}
		if limiter != nil {
			limiter.Take()
		}
		index := index
		g.Go(func() error {
			data, err := readChunk(src, index, chunkSize, meta.Size)
			if err != nil {
				return err
			}
			resp, err := c.sendChunk(gctx, d, init.FileID, index, data)
			if err != nil {
				return errors.Wrapf(err, "chunk %d", index)
			}
			mu.Lock()
			done++
			if resp.Message != nil {
				res.Message = resp.Message
			}
			n := done
			mu.Unlock()
			if onProgress != nil {
				onProgress(n, init.TotalChunks)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		logger.WithField("error", err.Error()).Warn("Upload aborted")
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	logger.Debug("Upload complete")
	return res, nil
}

func readChunk(src io.ReaderAt, index, chunkSize int, size int64) ([]byte, error) {
	offset := int64(index) * int64(chunkSize)
	n := int64(chunkSize)
	if rest := size - offset; rest < n {
		n = rest
	}
	buf := make([]byte, n)
	if _, err := src.ReadAt(buf, offset); err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Wrapf(err, "read chunk %d", index)
	}
	return buf, nil
}

// sendChunk PUTs one chunk, retrying transient failures with exponential
// backoff. Each attempt gets its own timeout.
func (c *Client) sendChunk(ctx context.Context, d target.Descriptor, fileID string, index int, data []byte) (*chunkResponse, error) {
	path := "/api/files/" + url.PathEscape(fileID) + "/chunks/" + strconv.Itoa(index) + descriptorQuery(d)

	var out chunkResponse
	attempt := func() error {
		actx, cancel := context.WithTimeout(ctx, c.chunkTimeout)
		defer cancel()
		req, err := c.newRequest(actx, http.MethodPut, path, bytes.NewReader(data))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/octet-stream")
		err = c.send(req, &out)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if !Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		logrus.WithFields(logrus.Fields{
			"function": "sendChunk",
			"file_id":  fileID,
			"index":    index,
			"wait":     wait,
			"error":    err.Error(),
		}).Warn("Chunk failed, retrying")
	}
	if err := backoff.RetryNotify(attempt, c.policy(ctx), notify); err != nil {
		return nil, err
	}
	return &out, nil
}

// policy doubles from the initial interval with no jitter.
func (c *Client) policy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialInterval
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = c.initialInterval << (c.maxRetries - 1)
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.maxRetries)), ctx)
}
