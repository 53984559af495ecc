// Package statefile 以 JSON 文件持久化运行状态。
// 写入先落到同目录临时文件再 rename 覆盖，读写期间持有 <path>.lock 文件锁。
package statefile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

const lockRetryDelay = 50 * time.Millisecond

// Save 将 v 编码为缩进 JSON 并原子替换 path。
func Save(ctx context.Context, path string, v any) error {
	data, err := Encode(v)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("statefile: 创建目录 %q 失败: %w", dir, err)
	}

	lock := flock.New(path + ".lock")
	locked, err := lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("statefile: 获取写锁失败: %w", err)
	}
	if !locked {
		return fmt.Errorf("statefile: 未能锁定 %q", path)
	}
	defer func() { _ = lock.Unlock() }()

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("statefile: 创建临时文件失败: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("statefile: 写入临时文件失败: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("statefile: 刷盘失败: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("statefile: 关闭临时文件失败: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("statefile: 替换 %q 失败: %w", path, err)
	}
	return nil
}

// Load 读取 path 到 v。文件不存在时返回 false 且不报错。
func Load(ctx context.Context, path string, v any) (bool, error) {
	lock := flock.New(path + ".lock")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, fmt.Errorf("statefile: 创建目录失败: %w", err)
	}
	locked, err := lock.TryRLockContext(ctx, lockRetryDelay)
	if err != nil {
		return false, fmt.Errorf("statefile: 获取读锁失败: %w", err)
	}
	if !locked {
		return false, fmt.Errorf("statefile: 未能锁定 %q", path)
	}
	defer func() { _ = lock.Unlock() }()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("statefile: 读取 %q 失败: %w", path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("statefile: 解析 %q 失败: %w", path, err)
	}
	return true, nil
}

// Encode 返回 Save 写入的字节，便于比较快照。
func Encode(v any) ([]byte, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("statefile: 编码失败: %w", err)
	}
	return append(data, '\n'), nil
}
