package elevenlabs

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/textproto"
	"net/url"
	"path"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/fablevoice/pkg/provider/voice"
)

const (
	// maxSampleBytes caps a single downloaded sample. ElevenLabs rejects
	// uploads above roughly 10 MB per file anyway.
	maxSampleBytes = 25 << 20

	// sampleFetchConcurrency bounds parallel sample downloads per clone.
	sampleFetchConcurrency = 4
)

// sampleFile is a downloaded sample ready to be attached to the multipart form.
type sampleFile struct {
	name        string
	contentType string
	data        []byte
}

// fetchSamples downloads every sample concurrently. It returns only after all
// downloads finished; the first failure cancels the rest and is reported as
// [voice.ErrSampleFetchFailed].
func fetchSamples(ctx context.Context, client *http.Client, samples []voice.SampleRef) ([]sampleFile, error) {
	files := make([]sampleFile, len(samples))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sampleFetchConcurrency)
	for i, s := range samples {
		g.Go(func() error {
			f, err := fetchSample(gctx, client, i, s)
			if err != nil {
				return err
			}
			files[i] = f
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return files, nil
}

// fetchSample downloads a single sample.
func fetchSample(ctx context.Context, client *http.Client, idx int, s voice.SampleRef) (sampleFile, error) {
	const op = "elevenlabs: fetch sample"
	fail := func(status int, msg string, err error) (sampleFile, error) {
		return sampleFile{}, &voice.Error{Op: op, Kind: voice.ErrSampleFetchFailed, StatusCode: status,
			Message: fmt.Sprintf("sample %d: %s", idx, msg), Err: err}
	}

	u, err := url.Parse(s.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fail(0, "invalid URL", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return fail(0, "build request", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fail(0, "download", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fail(resp.StatusCode, "unexpected status", nil)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSampleBytes+1))
	if err != nil {
		return fail(resp.StatusCode, "read body", err)
	}
	if len(data) == 0 {
		return fail(resp.StatusCode, "empty sample", nil)
	}
	if len(data) > maxSampleBytes {
		return fail(resp.StatusCode, "sample too large", nil)
	}

	name := path.Base(u.Path)
	if name == "" || name == "/" || name == "." {
		name = fmt.Sprintf("sample_%02d", idx)
	}
	return sampleFile{
		name:        name,
		contentType: sampleContentType(s.ContentType, resp.Header.Get("Content-Type"), name),
		data:        data,
	}, nil
}

// sampleContentType picks the declared type, then the response header, then
// a guess from the file extension.
func sampleContentType(declared, header, name string) string {
	if declared != "" {
		return declared
	}
	if header != "" && !strings.HasPrefix(header, "application/octet-stream") {
		return header
	}
	ext := strings.ToLower(path.Ext(name))
	if ct, ok := audioTypes[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// audioTypes covers the sample formats ElevenLabs accepts; the system MIME
// table is not guaranteed to know them.
var audioTypes = map[string]string{
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".m4a":  "audio/mp4",
	".ogg":  "audio/ogg",
	".oga":  "audio/ogg",
	".opus": "audio/ogg",
	".flac": "audio/flac",
	".webm": "audio/webm",
	".aac":  "audio/aac",
}

// formFileHeader builds the part header for a file field with an explicit
// content type (multipart.Writer.CreateFormFile always uses octet-stream).
func formFileHeader(field, filename, contentType string) textproto.MIMEHeader {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", mime.FormatMediaType("form-data", map[string]string{
		"name":     field,
		"filename": filename,
	}))
	h.Set("Content-Type", contentType)
	return h
}
