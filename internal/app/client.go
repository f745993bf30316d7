package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"roomdrop/internal/target"
	"roomdrop/internal/uploader"
)

// NewClient builds an uploader client from cfg.
func NewClient(cfg ClientConfig) *uploader.Client {
	return uploader.New(uploader.Config{
		BaseURL:         cfg.ServerURL,
		Identity:        cfg.Identity,
		Concurrency:     cfg.Concurrency,
		ChunksPerSecond: cfg.ChunksPerSecond,
	})
}

// RunSend uploads path to d and reports progress on out.
func RunSend(ctx context.Context, cfg ClientConfig, d target.Descriptor, path string, out io.Writer) error {
	if err := d.Validate(); err != nil {
		return err
	}
	client := NewClient(cfg)
	res, err := client.UploadFile(ctx, d, path, func(done, total int) {
		fmt.Fprintf(out, "\rchunk %d/%d", done, total)
	})
	if err != nil {
		fmt.Fprintln(out)
		return errors.Wrapf(err, "send %s", filepath.Base(path))
	}
	fmt.Fprintln(out)
	if res.Message != nil && res.Message.File != nil {
		fmt.Fprintf(out, "stored as %s (%s, blake2b %s)\n", res.Message.File.Name,
			humanize.IBytes(uint64(res.Message.File.Size)), res.Message.File.Checksum)
		return nil
	}
	fmt.Fprintf(out, "upload %s complete\n", res.FileID)
	return nil
}

// RunFetch downloads the artifact name from d into dir.
func RunFetch(ctx context.Context, cfg ClientConfig, d target.Descriptor, name, dir string, out io.Writer) error {
	if err := d.Validate(); err != nil {
		return err
	}
	if dir == "" {
		dir = "."
	}
	dest := filepath.Join(dir, filepath.Base(name))
	f, err := os.CreateTemp(dir, "."+filepath.Base(name)+".part-*")
	if err != nil {
		return errors.Wrap(err, "create download file")
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	n, err := NewClient(cfg).Download(ctx, d, name, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return errors.Wrapf(err, "fetch %s", name)
	}
	if err := os.Rename(tmp, dest); err != nil {
		return errors.Wrap(err, "finalize download")
	}
	fmt.Fprintf(out, "saved %s (%s)\n", dest, humanize.IBytes(uint64(n)))
	return nil
}
