package provider

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"
)

// Memory is an in-memory Provider used by tests and local development. Pages
// are cut from a flat file list; individual page fetches and token refreshes
// can be scripted to fail.
type Memory struct {
	mu sync.Mutex

	kind  string
	files []FileEntry
	info  AccountInfo

	validTokens map[string]bool
	refreshed   *TokenPair
	refreshErr  error

	pageFailures map[int][]error // page index -> errors returned before success
	deleteErr    error
	uploadErr    error
	previewErr   error

	// Call counters, read by tests.
	ListCalls    int
	DeleteCalls  int
	UploadCalls  int
	PreviewCalls int
	RefreshCalls int

	nextID int
}

// NewMemory returns an empty in-memory provider of the given kind that
// accepts every access token.
func NewMemory(kind string) *Memory {
	return &Memory{
		kind:         kind,
		validTokens:  make(map[string]bool),
		pageFailures: make(map[int][]error),
	}
}

func (m *Memory) Kind() string { return m.kind }

// SetFiles replaces the provider-side file list.
func (m *Memory) SetFiles(files []FileEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files = append([]FileEntry(nil), files...)
}

// Files returns a copy of the current provider-side file list.
func (m *Memory) Files() []FileEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]FileEntry(nil), m.files...)
}

// SetAccountInfo sets the reported email and quota.
func (m *Memory) SetAccountInfo(info AccountInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.info = info
}

// RequireToken makes every call reject tokens other than the given ones.
func (m *Memory) RequireToken(tokens ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.validTokens = make(map[string]bool, len(tokens))
	for _, t := range tokens {
		m.validTokens[t] = true
	}
}

// FailPage queues errs to be returned, in order, for fetches of the
// zero-based page index before the fetch succeeds.
func (m *Memory) FailPage(index int, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pageFailures[index] = append(m.pageFailures[index], errs...)
}

// SetRefreshResult scripts RefreshAccessToken.
func (m *Memory) SetRefreshResult(pair *TokenPair, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshed, m.refreshErr = pair, err
}

// SetDeleteError scripts DeleteFile failures.
func (m *Memory) SetDeleteError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteErr = err
}

// SetUploadError scripts UploadFile failures.
func (m *Memory) SetUploadError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploadErr = err
}

func (m *Memory) checkToken(token string) error {
	if len(m.validTokens) == 0 {
		return nil
	}
	if !m.validTokens[token] {
		return Permanent(fmt.Errorf("unauthorized token"))
	}
	return nil
}

func (m *Memory) AuthorizationURL(state string, scopes []string) string {
	return fmt.Sprintf("https://auth.%s.example/authorize?state=%s", m.kind, state)
}

func (m *Memory) ExchangeCode(ctx context.Context, code string) (*TokenPair, error) {
	expires := time.Now().Add(time.Hour)
	return &TokenPair{AccessToken: "access-" + code, RefreshToken: "refresh-" + code, ExpiresAt: expires}, nil
}

func (m *Memory) RefreshAccessToken(ctx context.Context, refreshToken string) (*TokenPair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.RefreshCalls++
	if m.refreshErr != nil {
		return nil, m.refreshErr
	}
	if m.refreshed != nil {
		return m.refreshed, nil
	}
	return &TokenPair{AccessToken: "refreshed-" + refreshToken, ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (m *Memory) AccountInfo(ctx context.Context, accessToken string) (*AccountInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkToken(accessToken); err != nil {
		return nil, err
	}
	info := m.info
	return &info, nil
}

func (m *Memory) ListFiles(ctx context.Context, accessToken, pageToken string, pageSize int) (*Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ListCalls++
	if err := m.checkToken(accessToken); err != nil {
		return nil, err
	}
	if pageSize <= 0 {
		pageSize = 100
	}

	index := 0
	if pageToken != "" {
		var err error
		index, err = strconv.Atoi(pageToken)
		if err != nil {
			return nil, Permanent(fmt.Errorf("bad page token %q", pageToken))
		}
	}

	if queued := m.pageFailures[index]; len(queued) > 0 {
		err := queued[0]
		m.pageFailures[index] = queued[1:]
		return nil, err
	}

	start := index * pageSize
	if start >= len(m.files) {
		return &Page{}, nil
	}
	end := start + pageSize
	if end > len(m.files) {
		end = len(m.files)
	}

	page := &Page{Entries: append([]FileEntry(nil), m.files[start:end]...)}
	if end < len(m.files) {
		page.NextPageToken = strconv.Itoa(index + 1)
	}
	return page, nil
}

func (m *Memory) DeleteFile(ctx context.Context, accessToken, nativeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.DeleteCalls++
	if err := m.checkToken(accessToken); err != nil {
		return err
	}
	if m.deleteErr != nil {
		return m.deleteErr
	}

	for i, f := range m.files {
		if f.NativeID == nativeID {
			m.files = append(m.files[:i], m.files[i+1:]...)
			return nil
		}
	}
	return Permanent(fmt.Errorf("file %q not found", nativeID))
}

func (m *Memory) UploadFile(ctx context.Context, accessToken string, content io.Reader, path string) (*FileEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.UploadCalls++
	if err := m.checkToken(accessToken); err != nil {
		return nil, err
	}
	if m.uploadErr != nil {
		return nil, m.uploadErr
	}

	data, err := io.ReadAll(content)
	if err != nil {
		return nil, Transient(err)
	}

	m.nextID++
	now := time.Now()
	entry := FileEntry{
		NativeID:   fmt.Sprintf("%s-upload-%d", m.kind, m.nextID),
		Name:       baseName(path),
		Path:       path,
		Size:       int64(len(data)),
		CreatedAt:  &now,
		ModifiedAt: &now,
	}
	m.files = append(m.files, entry)
	return &entry, nil
}

func (m *Memory) PreviewLink(ctx context.Context, accessToken, nativeID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.PreviewCalls++
	if err := m.checkToken(accessToken); err != nil {
		return "", err
	}
	if m.previewErr != nil {
		return "", m.previewErr
	}

	for _, f := range m.files {
		if f.NativeID == nativeID {
			return fmt.Sprintf("https://%s.example/preview/%s", m.kind, nativeID), nil
		}
	}
	return "", Permanent(fmt.Errorf("file %q not found", nativeID))
}

func baseName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}

var _ Provider = (*Memory)(nil)
