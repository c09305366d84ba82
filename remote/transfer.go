package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/bobg/kfr"
	"github.com/bobg/kfr/wire"
)

// errConflict means the peer holds a record that supersedes the upload.
var errConflict = errors.New("peer has newer record")

// StatusError is the error for an unexpected HTTP response.
type StatusError struct {
	Method, URL string
	Code        int
	Msg         string
}

func (e *StatusError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s %s: %d %s", e.Method, e.URL, e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.URL, e.Code, e.Msg)
}

func statusError(resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{
		Method: resp.Request.Method,
		URL:    resp.Request.URL.Redacted(),
		Code:   resp.StatusCode,
		Msg:    string(bytes.TrimSpace(msg)),
	}
}

func (m *Model) upload(ctx context.Context, rec kfr.Kfr, content *kfr.FatKfr) error {
	if !rec.Exists() {
		return m.putChunk(ctx, &kfr.ThinKfr{Kfr: rec, Range: kfr.Range{Begin: -1, End: -1}, Progress: kfr.Progress{Position: 0, Amount: 1}}, true)
	}

	slicer := content.Slice(m.sliceSize)
	standalone := slicer.Amount() == 1
	for {
		thin, err := slicer.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := m.putChunk(ctx, thin, standalone); err != nil {
			return errors.Wrapf(err, "sending %s chunk %s", rec, thin.Progress)
		}
	}
}

// putChunk sends one chunk.
// A standalone chunk carries record headers only.
func (m *Model) putChunk(ctx context.Context, thin *kfr.ThinKfr, standalone bool) error {
	body := thin.Body
	var encoding string
	if m.compress {
		if c, ok := wire.Compress(body); ok {
			body, encoding = c, wire.EncodingZstd
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, wire.KfrURL(m.base, thin.Path), bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "creating request")
	}
	req.ContentLength = int64(len(body))
	req.Header.Set("Content-Type", "application/octet-stream")
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}
	if standalone {
		wire.SetRecord(req.Header, thin.Kfr)
	} else {
		wire.SetChunk(req.Header, thin)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "sending %s", thin.Kfr)
	}
	defer resp.Body.Close()

	wantComplete := standalone || thin.Terminal()
	switch {
	case resp.StatusCode == http.StatusConflict:
		return errConflict
	case resp.StatusCode == http.StatusOK && wantComplete:
	case resp.StatusCode == http.StatusAccepted && !wantComplete:
	default:
		return statusError(resp)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// Get fetches the peer's record for path.
func (m *Model) Get(ctx context.Context, path string) (kfr.Kfr, error) {
	resp, err := m.do(ctx, http.MethodHead, path)
	if err != nil {
		return kfr.Kfr{}, err
	}
	defer resp.Body.Close()
	return m.record(resp, path)
}

// record interprets a HEAD or GET response.
// A 404 response with record headers is a tombstone.
func (m *Model) record(resp *http.Response, path string) (kfr.Kfr, error) {
	switch resp.StatusCode {
	case http.StatusOK, http.StatusNotFound:
	default:
		return kfr.Kfr{}, statusError(resp)
	}
	rec, ok, err := wire.Record(resp.Header, path)
	if err != nil {
		return kfr.Kfr{}, err
	}
	if !ok {
		if resp.StatusCode == http.StatusNotFound {
			return kfr.Kfr{}, errors.Wrapf(kfr.ErrNotFound, "on peer: %s", path)
		}
		return kfr.Kfr{}, errors.Wrapf(wire.ErrMalformed, "no record headers for %s", path)
	}
	if rec.Exists() != (resp.StatusCode == http.StatusOK) {
		return kfr.Kfr{}, errors.Wrapf(wire.ErrMalformed, "status %d for %s", resp.StatusCode, rec)
	}
	return rec, nil
}

func (m *Model) do(ctx context.Context, method, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, wire.KfrURL(m.base, path), nil)
	if err != nil {
		return nil, errors.Wrap(err, "creating request")
	}
	resp, err := m.client.Do(req)
	return resp, errors.Wrapf(err, "%s %s", method, path)
}

// GetContent downloads the peer's content for path into dest.
// The content streams through the same merge
// that chunked uploads use,
// so a download that disagrees with its record fails with kfr.ErrCorruptTransfer.
// The returned handle removes dest when released.
func (m *Model) GetContent(ctx context.Context, path, dest string) (*kfr.FatKfr, error) {
	resp, err := m.do(ctx, http.MethodGet, path)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	rec, err := m.record(resp, path)
	if err != nil {
		return nil, err
	}

	cleanup := func() { os.Remove(dest) }

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return nil, errors.Wrapf(err, "creating directory for %s", dest)
	}
	if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "clearing %s", dest)
	}

	fat, err := m.download(resp.Body, rec, dest, cleanup)
	if err != nil {
		cleanup()
		return nil, errors.Wrapf(err, "downloading %s", rec)
	}
	return fat, nil
}

func (m *Model) download(body io.Reader, rec kfr.Kfr, dest string, cleanup func()) (*kfr.FatKfr, error) {
	if !rec.Exists() {
		return kfr.Merge(m.files, &kfr.ThinKfr{Kfr: rec, Range: kfr.Range{Begin: -1, End: -1}, Progress: kfr.Progress{Position: 0, Amount: 1}}, dest, cleanup)
	}

	amount := 1
	if rec.Size > m.sliceSize {
		amount = int((rec.Size + m.sliceSize - 1) / m.sliceSize)
	}
	buf := make([]byte, min(rec.Size, m.sliceSize))

	var fat *kfr.FatKfr
	for pos := 0; pos < amount; pos++ {
		begin := int64(pos) * m.sliceSize
		end := min(rec.Size, begin+m.sliceSize)
		chunk := buf[:end-begin]
		if _, err := io.ReadFull(body, chunk); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				return nil, errors.Wrapf(kfr.ErrCorruptTransfer, "body ended before byte %d", end)
			}
			return nil, errors.Wrap(err, "reading body")
		}
		thin := &kfr.ThinKfr{
			Kfr:      rec,
			Range:    kfr.Range{Begin: begin, End: end},
			Progress: kfr.Progress{Position: pos, Amount: amount},
			Body:     chunk,
		}
		if len(chunk) == 0 {
			thin.Body = nil
		}
		var err error
		if fat, err = kfr.Merge(m.files, thin, dest, cleanup); err != nil {
			return nil, err
		}
	}

	var extra [1]byte
	if n, _ := body.Read(extra[:]); n > 0 {
		if fat != nil {
			fat.Close()
		}
		return nil, errors.Wrapf(kfr.ErrCorruptTransfer, "body longer than %d bytes", rec.Size)
	}

	if amount > 1 {
		terminal := &kfr.ThinKfr{
			Kfr:      rec,
			Range:    kfr.Range{Begin: rec.Size, End: rec.Size},
			Progress: kfr.Progress{Position: amount, Amount: amount},
		}
		return kfr.Merge(m.files, terminal, dest, cleanup)
	}
	return fat, nil
}

// Health checks that the peer is serving.
func (m *Model) Health(ctx context.Context) error {
	u := *m.base
	u.Path = strings.TrimSuffix(u.Path, "/") + wire.HealthPath
	u.RawPath, u.RawQuery = "", ""
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return errors.Wrap(err, "creating request")
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "checking health")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	return nil
}

