package objstore

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "postpilot/pkg/logx"
)

const fakeBucket = "posts"

type fakeObject struct {
	data []byte
	etag string
	mod  time.Time
}

// fakeS3 speaks the path-style subset of the S3 REST API the store uses,
// including If-Match / If-None-Match on PUT.
type fakeS3 struct {
	mu   sync.Mutex
	objs map[string]fakeObject
	seq  int
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	bucket, key, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if bucket != fakeBucket {
		s3Error(w, http.StatusNotFound, "NoSuchBucket")
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	cur, exists := f.objs[key]
	switch {
	case r.Method == http.MethodGet && key == "":
		f.list(w, r.URL.Query().Get("prefix"))
	case r.Method == http.MethodPut:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			s3Error(w, http.StatusBadRequest, "IncompleteBody")
			return
		}
		if r.Header.Get("If-None-Match") == "*" && exists {
			s3Error(w, http.StatusPreconditionFailed, "PreconditionFailed")
			return
		}
		if m := r.Header.Get("If-Match"); m != "" {
			if !exists {
				s3Error(w, http.StatusNotFound, "NoSuchKey")
				return
			}
			if m != cur.etag {
				s3Error(w, http.StatusPreconditionFailed, "PreconditionFailed")
				return
			}
		}
		f.seq++
		obj := fakeObject{data: body, etag: fmt.Sprintf(`"%d"`, f.seq), mod: time.Now().UTC()}
		f.objs[key] = obj
		w.Header().Set("ETag", obj.etag)
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodGet:
		if !exists {
			s3Error(w, http.StatusNotFound, "NoSuchKey")
			return
		}
		w.Header().Set("ETag", cur.etag)
		w.Header().Set("Last-Modified", cur.mod.Format(http.TimeFormat))
		w.Header().Set("Content-Length", fmt.Sprint(len(cur.data)))
		_, _ = w.Write(cur.data)
	case r.Method == http.MethodDelete:
		delete(f.objs, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		s3Error(w, http.StatusMethodNotAllowed, "MethodNotAllowed")
	}
}

type listEntry struct {
	Key  string `xml:"Key"`
	ETag string `xml:"ETag"`
	Size int    `xml:"Size"`
}

type listResult struct {
	XMLName     xml.Name    `xml:"ListBucketResult"`
	Name        string      `xml:"Name"`
	Prefix      string      `xml:"Prefix"`
	KeyCount    int         `xml:"KeyCount"`
	MaxKeys     int         `xml:"MaxKeys"`
	IsTruncated bool        `xml:"IsTruncated"`
	Contents    []listEntry `xml:"Contents"`
}

func (f *fakeS3) list(w http.ResponseWriter, prefix string) {
	out := listResult{Name: fakeBucket, Prefix: prefix, MaxKeys: 1000}
	for k, o := range f.objs {
		if strings.HasPrefix(k, prefix) {
			out.Contents = append(out.Contents, listEntry{Key: k, ETag: o.etag, Size: len(o.data)})
		}
	}
	sort.Slice(out.Contents, func(i, j int) bool { return out.Contents[i].Key < out.Contents[j].Key })
	out.KeyCount = len(out.Contents)
	w.Header().Set("Content-Type", "application/xml")
	_, _ = io.WriteString(w, xml.Header)
	_ = xml.NewEncoder(w).Encode(out)
}

func s3Error(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	fmt.Fprintf(w, "%s<Error><Code>%s</Code><Message>%s</Message></Error>", xml.Header, code, code)
}

func newFakeS3Server(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(&fakeS3{objs: map[string]fakeObject{}})
	t.Cleanup(srv.Close)
	return srv
}

func newFakeS3Store(t *testing.T) Versioned {
	t.Helper()
	srv := newFakeS3Server(t)
	client := s3.New(s3.Options{
		Region:       "us-east-1",
		BaseEndpoint: aws.String(srv.URL),
		UsePathStyle: true,
		Credentials: aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
			return aws.Credentials{AccessKeyID: "test", SecretAccessKey: "test"}, nil
		}),
		RequestChecksumCalculation: aws.RequestChecksumCalculationWhenRequired,
		ResponseChecksumValidation: aws.ResponseChecksumValidationWhenRequired,
		RetryMaxAttempts:           1,
	})
	return NewS3(client, fakeBucket, "/postpilot/", logx.Nop())
}

func TestS3PreconditionMapping(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		err     error
		ifMatch bool
		want    bool
	}{
		{"precondition failed", &smithy.GenericAPIError{Code: "PreconditionFailed"}, true, true},
		{"concurrent conditional write", &smithy.GenericAPIError{Code: "ConditionalRequestConflict"}, true, true},
		{"if-match on missing key", &smithy.GenericAPIError{Code: "NoSuchKey"}, true, true},
		{"missing key without condition", &smithy.GenericAPIError{Code: "NoSuchKey"}, false, false},
		{"access denied", &smithy.GenericAPIError{Code: "AccessDenied"}, true, false},
		{"wrapped", errors.Wrap(&smithy.GenericAPIError{Code: "PreconditionFailed"}, "put"), true, true},
		{"not an api error", errors.New("dial tcp: refused"), true, false},
		{"nil", nil, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isPreconditionFailed(tt.err, tt.ifMatch))
		})
	}
}

func TestS3KeysLiveUnderPrefix(t *testing.T) {
	t.Parallel()
	srv := newFakeS3Server(t)
	ctx := context.Background()
	client := s3.New(s3.Options{
		Region:       "us-east-1",
		BaseEndpoint: aws.String(srv.URL),
		UsePathStyle: true,
		Credentials: aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
			return aws.Credentials{AccessKeyID: "test", SecretAccessKey: "test"}, nil
		}),
		RequestChecksumCalculation: aws.RequestChecksumCalculationWhenRequired,
		ResponseChecksumValidation: aws.ResponseChecksumValidationWhenRequired,
	})
	a := NewS3(client, fakeBucket, "tenant-a", logx.Nop())
	b := NewS3(client, fakeBucket, "tenant-b", logx.Nop())

	require.NoError(t, a.Put(ctx, "settings/twitter/acme", []byte(`{}`)))
	keys, err := b.List(ctx, "settings/", 0)
	require.NoError(t, err)
	assert.Empty(t, keys)

	keys, err = a.List(ctx, "settings/", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"settings/twitter/acme"}, keys)
}

func TestOpenS3Driver(t *testing.T) {
	srv := newFakeS3Server(t)
	dir := t.TempDir()
	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	t.Setenv("AWS_CONFIG_FILE", filepath.Join(dir, "config"))
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", filepath.Join(dir, "credentials"))
	t.Setenv("AWS_EC2_METADATA_DISABLED", "true")
	t.Setenv("AWS_REQUEST_CHECKSUM_CALCULATION", "when_required")
	t.Setenv("AWS_RESPONSE_CHECKSUM_VALIDATION", "when_required")

	ctx := context.Background()
	st, err := Open(ctx, Config{
		Driver:       "s3",
		Bucket:       fakeBucket,
		Region:       "us-east-1",
		Endpoint:     srv.URL,
		UsePathStyle: true,
	}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	v, err := st.PutIfVersion(ctx, "scheduled/twitter/acme/j1", []byte(`{"status":"scheduled"}`), "")
	require.NoError(t, err)
	obj, err := st.Get(ctx, "scheduled/twitter/acme/j1")
	require.NoError(t, err)
	assert.Equal(t, v, obj.Version)
	assert.JSONEq(t, `{"status":"scheduled"}`, string(obj.Data))
}

func TestOpenS3RequiresBucket(t *testing.T) {
	t.Parallel()
	_, err := Open(context.Background(), Config{Driver: "s3"}, logx.Nop())
	require.Error(t, err)
}
