package audio

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Staged файл, подготовленный для воспроизведения управляющей плоскостью
type Staged struct {
	Path     string
	MediaRef string
}

// Stager пишет аудио в каталог, который читает управляющая плоскость.
// Имя файла включает id сессии, время в наносекундах и короткий случайный
// суффикс, поэтому быстрые последовательные ходы не перезаписывают друг друга.
type Stager struct {
	dir    string
	prefix string
	now    func() time.Time
}

// NewStager создает каталог при необходимости.
// mediaPrefix префикс ссылки для плеера, например "sound:/tmp/audio".
func NewStager(dir, mediaPrefix string) (*Stager, error) {
	if dir == "" {
		return nil, errors.New("каталог не задан")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ошибка создания каталога %s: %w", dir, err)
	}
	if mediaPrefix == "" {
		mediaPrefix = "sound:" + dir
	}
	return &Stager{dir: dir, prefix: strings.TrimSuffix(mediaPrefix, "/"), now: time.Now}, nil
}

// Stage сохраняет PCM как WAV. Запись идет во временный файл с последующим
// переименованием, чтобы плеер никогда не увидел файл наполовину.
func (s *Stager) Stage(sessionID string, pcm []byte, f Format) (Staged, error) {
	base := fmt.Sprintf("tts_%s_%s_%s",
		sanitize(sessionID),
		strconv.FormatInt(s.now().UnixNano(), 10),
		uuid.NewString()[:8],
	)
	path := filepath.Join(s.dir, base+".wav")

	tmp, err := os.CreateTemp(s.dir, "."+base+"-*.tmp")
	if err != nil {
		return Staged{}, fmt.Errorf("ошибка создания временного файла: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(WrapPCMAsWAV(pcm, f)); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return Staged{}, fmt.Errorf("ошибка записи аудио: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return Staged{}, fmt.Errorf("ошибка записи аудио: %w", err)
	}
	// плеер управляющей плоскости работает под другим пользователем
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return Staged{}, fmt.Errorf("ошибка chmod: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return Staged{}, fmt.Errorf("ошибка переименования: %w", err)
	}

	return Staged{Path: path, MediaRef: s.prefix + "/" + base}, nil
}

// Remove удаляет файл. Отсутствующий файл не ошибка.
func (s *Stager) Remove(st Staged) error {
	if st.Path == "" {
		return nil
	}
	if err := os.Remove(st.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// sanitize оставляет в id только символы, безопасные для имени файла
func sanitize(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "session"
	}
	return b.String()
}
