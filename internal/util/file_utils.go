// Package util 提供工具函数
package util

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// GetTileURL 替换瓦片URL或对象键模板中的 {x}、{y}、{z} 和 {-y}（TMS行号）
func GetTileURL(urlTemplate string, x, y, z int) string {
	url := urlTemplate
	url = strings.ReplaceAll(url, "{x}", strconv.Itoa(x))
	url = strings.ReplaceAll(url, "{-y}", strconv.Itoa((1<<z)-y-1))
	url = strings.ReplaceAll(url, "{y}", strconv.Itoa(y))
	url = strings.ReplaceAll(url, "{z}", strconv.Itoa(z))
	return url
}

// SniffImageFormat 根据文件头识别图片格式，无法识别时返回空字符串
func SniffImageFormat(data []byte) string {
	switch {
	case len(data) >= 8 && bytes.HasPrefix(data, []byte("\x89PNG\r\n\x1a\n")):
		return "png"
	case len(data) >= 3 && data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF:
		return "jpeg"
	case len(data) >= 12 && bytes.HasPrefix(data, []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")):
		return "webp"
	case len(data) >= 2 && data[0] == 'B' && data[1] == 'M':
		return "bmp"
	case len(data) >= 6 && (bytes.HasPrefix(data, []byte("GIF87a")) || bytes.HasPrefix(data, []byte("GIF89a"))):
		return "gif"
	}
	return ""
}

// ValidateFileFormat 验证文件格式和大小，maxFileSize 为0时不限制上限
func ValidateFileFormat(data []byte, minFileSize, maxFileSize int64) bool {
	n := int64(len(data))
	if n < minFileSize || (maxFileSize > 0 && n > maxFileSize) {
		return false
	}
	return SniffImageFormat(data) != ""
}

// EnsureDirExists 确保目录存在
func EnsureDirExists(dir string) error {
	return os.MkdirAll(dir, 0o755)
}

// WriteFileAtomic 先写入同目录的临时文件再重命名，读取方不会看到写了一半的文件
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := EnsureDirExists(dir); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// WriteJSONAtomic 缩进序列化 v 并原子写入 path
func WriteJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	return WriteFileAtomic(path, data, 0o644)
}

// FileExists 检查文件是否存在
func FileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// TouchFile 文件不存在时创建空文件
func TouchFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

// GenerateTileKey 生成日志使用的 z/x/y 键
func GenerateTileKey(z, x, y int) string {
	return fmt.Sprintf("%d/%d/%d", z, x, y)
}
