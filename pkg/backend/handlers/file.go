package handlers

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
)

// DefaultMaxReadBytes caps file_read when no limit is given.
const DefaultMaxReadBytes = 10 * 1024 * 1024

// FileWriteHandler writes files on the host.
type FileWriteHandler struct{}

// Handle writes content to a file, creating parent directories as needed.
func (h *FileWriteHandler) Handle(ctx context.Context, params *FileWriteParams) (*FileWriteResult, error) {
	if params.Path == "" {
		return nil, fmt.Errorf("path is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := &FileWriteResult{}

	_, err := os.Stat(params.Path)
	fileExists := err == nil

	if !fileExists && !params.Create {
		return nil, fmt.Errorf("file does not exist and create=false: %s", params.Path)
	}

	if params.Backup && fileExists {
		backupPath := params.Path + ".bak"
		if err := copyFile(params.Path, backupPath); err != nil {
			return nil, fmt.Errorf("failed to create backup: %w", err)
		}
		result.BackupPath = backupPath
	}

	if err := os.MkdirAll(filepath.Dir(params.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	content := []byte(params.Content)
	if err := os.WriteFile(params.Path, content, 0o644); err != nil { //nolint:gosec // scripts choose the mode
		return nil, fmt.Errorf("failed to write file: %w", err)
	}

	result.BytesWritten = int64(len(content))
	result.Created = !fileExists

	if params.Mode != "" {
		mode, err := strconv.ParseUint(params.Mode, 8, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid mode: %w", err)
		}
		if err := os.Chmod(params.Path, os.FileMode(mode)); err != nil {
			return nil, fmt.Errorf("failed to set mode: %w", err)
		}
	}

	result.Checksum = checksum(content)
	return result, nil
}

// FileReadHandler reads files on the host.
type FileReadHandler struct{}

// Handle reads up to MaxBytes of a file along with its metadata.
func (h *FileReadHandler) Handle(ctx context.Context, params *FileReadParams) (*FileReadResult, error) {
	if params.Path == "" {
		return nil, fmt.Errorf("path is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	info, err := os.Stat(params.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	result := &FileReadResult{
		Size: info.Size(),
		Mode: fmt.Sprintf("%04o", info.Mode().Perm()),
	}

	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		result.Owner = strconv.FormatUint(uint64(stat.Uid), 10)
		result.Group = strconv.FormatUint(uint64(stat.Gid), 10)
	}

	maxBytes := params.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxReadBytes
	}

	file, err := os.Open(params.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(io.LimitReader(file, maxBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	result.Content = string(content)
	result.Truncated = info.Size() > int64(len(content))
	result.Checksum = checksum(content)

	return result, nil
}

func checksum(data []byte) string {
	return fmt.Sprintf("%x", sha256.Sum256(data))
}

func copyFile(src, dst string) error {
	sourceFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer sourceFile.Close()

	destFile, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer destFile.Close()

	if _, err := io.Copy(destFile, sourceFile); err != nil {
		return err
	}

	sourceInfo, err := os.Stat(src)
	if err != nil {
		return err
	}
	return os.Chmod(dst, sourceInfo.Mode())
}
