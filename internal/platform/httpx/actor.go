package httpx

import (
	"net/http"
	"strconv"
)

// ActorID reads the acting user from the X-Actor-ID header. Authentication
// sits in front of this service; the header is trusted as-is.
func ActorID(r *http.Request) int64 {
	id, _ := strconv.ParseInt(r.Header.Get("X-Actor-ID"), 10, 64)
	return id
}
