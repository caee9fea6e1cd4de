package process

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"xraytun/internal/fsutil"
)

// WritePIDFile сохраняет pid процесса, чтобы после перезапуска приложения найти
// оставшийся движок.
func WritePIDFile(path string, pid int) error {
	return fsutil.WriteFileAtomic(path, []byte(strconv.Itoa(pid)+"\n"), 0o600)
}

// ReadPIDFile читает pid. Отсутствующий файл даёт 0 без ошибки.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read pid file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("pid file %s is corrupt", path)
	}
	return pid, nil
}

// RemovePIDFile удаляет pid-файл; отсутствие файла не ошибка.
func RemovePIDFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Alive проверяет, существует ли процесс с указанным pid.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return pidAlive(pid)
}

// Kill завершает процесс по pid, не запущенный этим Launcher.
func Kill(pid int) error {
	if !Alive(pid) {
		return nil
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill pid %d: %w", pid, err)
	}
	return nil
}
