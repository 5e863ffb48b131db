package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"invoice-collector-go/internal/errs"
)

func TestLocalUploaderIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	u, err := NewLocalUploader(dir, "")
	require.NoError(t, err)

	req := PutRequest{Path: "Invoices/2026/03/2026-03-05_billing-supplier2-com_invoice.pdf", Data: []byte("pdf")}
	link1, err := u.Put(context.Background(), req)
	require.NoError(t, err)
	link2, err := u.Put(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, link1, link2)
	assert.True(t, strings.HasPrefix(link1, "file://"))

	stored, err := os.ReadFile(filepath.Join(dir, "Invoices", "2026", "03", "2026-03-05_billing-supplier2-com_invoice.pdf"))
	require.NoError(t, err)
	assert.Equal(t, "pdf", string(stored))
}

func TestLocalUploaderConflictAndOverwrite(t *testing.T) {
	u, err := NewLocalUploader(t.TempDir(), "https://drive.example.com/files")
	require.NoError(t, err)

	_, err = u.Put(context.Background(), PutRequest{Path: "Invoices/a b.pdf", Data: []byte("one")})
	require.NoError(t, err)

	_, err = u.Put(context.Background(), PutRequest{Path: "Invoices/a b.pdf", Data: []byte("two")})
	require.Error(t, err)
	assert.True(t, errs.IsConflict(err))

	link, err := u.Put(context.Background(), PutRequest{Path: "Invoices/a b.pdf", Data: []byte("two"), Overwrite: true})
	require.NoError(t, err)
	assert.Equal(t, "https://drive.example.com/files/Invoices/a%20b.pdf", link)
}

func TestLocalUploaderRejectsTraversal(t *testing.T) {
	u, err := NewLocalUploader(t.TempDir(), "")
	require.NoError(t, err)

	_, err = u.Put(context.Background(), PutRequest{Path: "../outside.pdf", Data: []byte("x")})
	assert.Error(t, err)
}

// fakeS3 serves HEAD and PUT for path-style object requests.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	meta    map[string]string
	puts    int
	// deny answers every request with 403, noBucket fails PUT with NoSuchBucket.
	deny     bool
	noBucket bool
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.deny {
		writeS3Error(w, r, http.StatusForbidden, "AccessDenied")
		return
	}
	if f.noBucket && r.Method == http.MethodPut {
		writeS3Error(w, r, http.StatusNotFound, "NoSuchBucket")
		return
	}

	switch r.Method {
	case http.MethodHead:
		if _, ok := f.objects[r.URL.Path]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("X-Amz-Meta-Sha256", f.meta[r.URL.Path])
		w.WriteHeader(http.StatusOK)
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.objects[r.URL.Path] = body
		f.meta[r.URL.Path] = r.Header.Get("X-Amz-Meta-Sha256")
		f.puts++
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func writeS3Error(w http.ResponseWriter, r *http.Request, status int, code string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	if r.Method != http.MethodHead {
		io.WriteString(w, "<Error><Code>"+code+"</Code><Message>"+code+"</Message></Error>")
	}
}

func newFakeS3Uploader(t *testing.T) (*S3Uploader, *fakeS3) {
	t.Helper()
	fake := &fakeS3{objects: map[string][]byte{}, meta: map[string]string{}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	sess, err := session.NewSession(&aws.Config{
		Region:           aws.String("us-east-1"),
		Endpoint:         aws.String(srv.URL),
		S3ForcePathStyle: aws.Bool(true),
		DisableSSL:       aws.Bool(true),
		MaxRetries:       aws.Int(0),
		Credentials:      credentials.NewStaticCredentials("key", "secret", ""),
	})
	require.NoError(t, err)
	return NewS3UploaderWithSession(sess, "invoices", ""), fake
}

func TestS3UploaderIsIdempotent(t *testing.T) {
	u, fake := newFakeS3Uploader(t)

	req := PutRequest{Path: "Invoices/2026/03/a.pdf", Data: []byte("pdf"), ContentType: "application/pdf"}
	link, err := u.Put(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "s3://invoices/Invoices/2026/03/a.pdf", link)

	again, err := u.Put(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, link, again)
	assert.Equal(t, 1, fake.puts)
	assert.Equal(t, "pdf", string(fake.objects["/invoices/Invoices/2026/03/a.pdf"]))
}

func TestS3UploaderConflict(t *testing.T) {
	u, fake := newFakeS3Uploader(t)

	_, err := u.Put(context.Background(), PutRequest{Path: "Invoices/a.pdf", Data: []byte("one")})
	require.NoError(t, err)

	_, err = u.Put(context.Background(), PutRequest{Path: "Invoices/a.pdf", Data: []byte("two")})
	require.Error(t, err)
	assert.True(t, errs.IsConflict(err))
	assert.Equal(t, 1, fake.puts)

	_, err = u.Put(context.Background(), PutRequest{Path: "Invoices/a.pdf", Data: []byte("two"), Overwrite: true})
	require.NoError(t, err)
	assert.Equal(t, 2, fake.puts)
}

func TestS3UploaderRejectedConfigurationIsFatal(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*fakeS3)
	}{
		{"access denied", func(f *fakeS3) { f.deny = true }},
		{"missing bucket", func(f *fakeS3) { f.noBucket = true }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, fake := newFakeS3Uploader(t)
			tt.setup(fake)

			_, err := u.Put(context.Background(), PutRequest{Path: "Invoices/a.pdf", Data: []byte("pdf")})
			require.Error(t, err)
			assert.True(t, errs.IsFatalConfig(err), err.Error())
			assert.False(t, errs.IsTransient(err))
			assert.Empty(t, fake.objects)
		})
	}
}
