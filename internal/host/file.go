package host

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/echograph/tavernbridge/internal/model"
)

// ChangeKind says which host input changed on disk.
type ChangeKind int

const (
	CharacterChanged ChangeKind = iota
	ChatChanged
)

func (k ChangeKind) String() string {
	if k == CharacterChanged {
		return "character"
	}
	return "chat"
}

const defaultDebounce = 200 * time.Millisecond

// FileContext reads the active character card (YAML or JSON) and a JSONL chat
// transcript from disk, and reloads them when they change.
type FileContext struct {
	characterPath string
	chatPath      string
	logger        *zap.Logger
	debounce      time.Duration

	mu        sync.RWMutex
	character *model.Character
	chat      []model.ChatMessage
}

// NewFileContext loads both files. Either path may be empty; a missing file
// means no character is selected or the chat is empty.
func NewFileContext(characterPath, chatPath string, logger *zap.Logger) (*FileContext, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &FileContext{
		characterPath: characterPath,
		chatPath:      chatPath,
		logger:        logger,
		debounce:      defaultDebounce,
	}
	if err := f.reloadCharacter(); err != nil {
		return nil, err
	}
	if err := f.reloadChat(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *FileContext) ActiveCharacter() (*model.Character, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.character == nil || f.character.ID == "" {
		return nil, false
	}
	c := *f.character
	return &c, true
}

func (f *FileContext) Chat() []model.ChatMessage {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]model.ChatMessage(nil), f.chat...)
}

func (f *FileContext) WorldInfo(context.Context) string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.character == nil {
		return ""
	}
	return worldInfoFromCard(f.character)
}

func (f *FileContext) reloadCharacter() error {
	c, err := loadCharacter(f.characterPath)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.character = c
	f.mu.Unlock()
	return nil
}

func (f *FileContext) reloadChat() error {
	chat, err := loadChat(f.chatPath)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.chat = chat
	f.mu.Unlock()
	return nil
}

// loadCharacter parses a card file. JSON is accepted through the YAML decoder.
// Cards without an id use the file's base name.
func loadCharacter(path string) (*model.Character, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("host: read character %s: %w", path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	var c model.Character
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("host: parse character %s: %w", path, err)
	}
	if c.ID == "" {
		c.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return &c, nil
}

// loadChat parses a JSONL transcript. Lines that are not messages, such as the
// leading metadata header, are skipped.
func loadChat(path string) ([]model.ChatMessage, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("host: read chat %s: %w", path, err)
	}

	var chat []model.ChatMessage
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for line := 1; scanner.Scan(); line++ {
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(raw, &probe); err != nil {
			return nil, fmt.Errorf("host: parse chat %s line %d: %w", path, line, err)
		}
		if _, ok := probe["mes"]; !ok {
			continue
		}
		var msg model.ChatMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("host: parse chat %s line %d: %w", path, line, err)
		}
		chat = append(chat, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("host: scan chat %s: %w", path, err)
	}
	return chat, nil
}

// Watch reloads the files as they change and calls onChange after each
// successful reload. It blocks until ctx is done. Parent directories are
// watched so editors that save by rename are still seen.
func (f *FileContext) Watch(ctx context.Context, onChange func(ChangeKind)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("host: create watcher: %w", err)
	}
	defer watcher.Close()

	targets := make(map[string]ChangeKind)
	for path, kind := range map[string]ChangeKind{f.characterPath: CharacterChanged, f.chatPath: ChatChanged} {
		if path == "" {
			continue
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return fmt.Errorf("host: resolve %s: %w", path, err)
		}
		targets[abs] = kind
		if err := watcher.Add(filepath.Dir(abs)); err != nil {
			return fmt.Errorf("host: watch %s: %w", filepath.Dir(abs), err)
		}
	}

	pending := make(map[ChangeKind]time.Time)
	ticker := time.NewTicker(f.debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			abs, err := filepath.Abs(event.Name)
			if err != nil {
				continue
			}
			if kind, ok := targets[abs]; ok {
				pending[kind] = time.Now()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			f.logger.Warn("Host file watcher error", zap.Error(err))

		case now := <-ticker.C:
			for kind, at := range pending {
				if now.Sub(at) < f.debounce {
					continue
				}
				delete(pending, kind)
				f.apply(kind, onChange)
			}
		}
	}
}

func (f *FileContext) apply(kind ChangeKind, onChange func(ChangeKind)) {
	var err error
	if kind == CharacterChanged {
		err = f.reloadCharacter()
	} else {
		err = f.reloadChat()
	}
	if err != nil {
		f.logger.Warn("Failed to reload host file", zap.Stringer("kind", kind), zap.Error(err))
		return
	}
	f.logger.Debug("Host file reloaded", zap.Stringer("kind", kind))
	if onChange != nil {
		onChange(kind)
	}
}
