package mw

import (
	"bytes"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
)

// KeyFunc derives the cache key of a request. ok is false for requests that
// must not be cached, such as ones the handler will reject.
type KeyFunc func(c *gin.Context) (key string, ok bool)

// ByURI keys entries by the raw request URI.
func ByURI(c *gin.Context) (string, bool) {
	return c.Request.RequestURI, true
}

type cachedResponse struct {
	status  int
	headers http.Header
	body    []byte
}

type bodyCacheWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (w bodyCacheWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w bodyCacheWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// Cache serves GET requests with the same key from memory for duration.
// Only 2xx responses are stored; replays carry X-Cache: HIT.
func Cache(entries *cache.Cache, duration time.Duration, keyOf KeyFunc) gin.HandlerFunc {
	if keyOf == nil {
		keyOf = ByURI
	}
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodGet {
			c.Next()
			return
		}
		key, ok := keyOf(c)
		if !ok {
			c.Next()
			return
		}

		if hit, found := entries.Get(key); found {
			replay(c, hit.(cachedResponse))
			return
		}

		w := &bodyCacheWriter{body: bytes.NewBuffer(nil), ResponseWriter: c.Writer}
		c.Writer = w
		c.Next()

		if status := w.Status(); status >= 200 && status < 300 {
			entries.Set(key, cachedResponse{
				status:  status,
				headers: w.Header().Clone(),
				body:    w.body.Bytes(),
			}, duration)
		}
	}
}

func replay(c *gin.Context, r cachedResponse) {
	header := c.Writer.Header()
	for k, v := range r.headers {
		header[k] = v
	}
	header.Set("X-Cache", "HIT")
	c.Writer.WriteHeader(r.status)
	_, _ = c.Writer.Write(r.body)
	c.Abort()
}
