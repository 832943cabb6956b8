package ssh

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/pkg/sftp"
)

// TransferStats summarizes a directory upload.
type TransferStats struct {
	Files     int
	Skipped   int
	Bytes     int64
	StartedAt time.Time
	Duration  time.Duration
}

// UploadDir copies the files under localDir to remoteDir over SFTP. Files
// whose remote size and modification time already match are skipped.
func (c *Client) UploadDir(ctx context.Context, localDir, remoteDir string) (TransferStats, error) {
	stats := TransferStats{StartedAt: time.Now()}

	conn, err := c.sshClient(ctx)
	if err != nil {
		return stats, err
	}
	client, err := sftp.NewClient(conn)
	if err != nil {
		return stats, &TransportError{
			Op:          "sftp-init",
			Err:         fmt.Errorf("failed to create SFTP client: %w", err),
			IsTemporary: true,
		}
	}
	defer client.Close()

	c.logger.Debug().Str("local", localDir).Str("remote", remoteDir).Msg("Uploading directory")

	err = filepath.WalkDir(localDir, func(localPath string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(localDir, localPath)
		if err != nil {
			return err
		}
		remotePath := path.Join(remoteDir, filepath.ToSlash(rel))

		if d.IsDir() {
			if err := client.MkdirAll(remotePath); err != nil {
				return &TransportError{Op: "upload", Err: fmt.Errorf("failed to create remote directory %s: %w", remotePath, err)}
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		if remote, err := client.Stat(remotePath); err == nil &&
			remote.Size() == info.Size() && remote.ModTime().Unix() == info.ModTime().Unix() {
			stats.Skipped++
			return nil
		}

		n, err := uploadFile(ctx, client, localPath, remotePath, info)
		if err != nil {
			return err
		}
		stats.Files++
		stats.Bytes += n
		return nil
	})
	stats.Duration = time.Since(stats.StartedAt)

	if err != nil {
		return stats, err
	}

	c.logger.Debug().
		Int("files", stats.Files).
		Int("skipped", stats.Skipped).
		Int64("bytes", stats.Bytes).
		Dur("duration", stats.Duration).
		Msg("Directory uploaded")
	return stats, nil
}

func uploadFile(ctx context.Context, client *sftp.Client, localPath, remotePath string, info fs.FileInfo) (int64, error) {
	localFile, err := os.Open(localPath)
	if err != nil {
		return 0, fmt.Errorf("failed to open local file: %w", err)
	}
	defer localFile.Close()

	remoteFile, err := client.Create(remotePath)
	if err != nil {
		return 0, &TransportError{
			Op:          "upload",
			Err:         fmt.Errorf("failed to create remote file %s: %w", remotePath, err),
			IsTemporary: true,
		}
	}

	n, err := copyWithContext(ctx, remoteFile, localFile)
	if closeErr := remoteFile.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return n, &TransportError{Op: "upload", Err: fmt.Errorf("failed to upload %s: %w", localPath, err), IsTemporary: true}
	}

	if err := client.Chmod(remotePath, info.Mode().Perm()); err != nil {
		return n, &TransportError{Op: "upload", Err: fmt.Errorf("failed to set permissions on %s: %w", remotePath, err)}
	}
	if err := client.Chtimes(remotePath, info.ModTime(), info.ModTime()); err != nil {
		return n, &TransportError{Op: "upload", Err: fmt.Errorf("failed to set times on %s: %w", remotePath, err)}
	}
	return n, nil
}

// copyWithContext copies from src to dst, checking ctx between chunks.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		nr, readErr := src.Read(buf)
		if nr > 0 {
			nw, writeErr := dst.Write(buf[:nr])
			written += int64(nw)
			if writeErr != nil {
				return written, writeErr
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}
