package relay

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/opd-ai/chatlink/transport"
	"github.com/sirupsen/logrus"
)

// UserParam is the query parameter naming the connecting user.
const UserParam = "user"

// Handler upgrades requests to websocket channels and attaches them under
// the user named by the UserParam query parameter.
func (r *Relay) Handler() http.Handler {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}

	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		userID := req.URL.Query().Get(UserParam)
		if userID == "" {
			http.Error(w, "missing user", http.StatusBadRequest)
			return
		}
		if r.Online(userID) {
			http.Error(w, "user already connected", http.StatusConflict)
			return
		}

		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Handler",
				"user_id":  userID,
				"error":    err.Error(),
			}).Warn("Websocket upgrade failed")
			return
		}

		ch := transport.NewWebSocketChannel(conn)
		if err := r.Attach(userID, ch); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Handler",
				"user_id":  userID,
				"error":    err.Error(),
			}).Warn("Failed to attach websocket user")
			_ = ch.Close()
			return
		}

		<-ch.Done()
		r.detach(userID, ch)
		_ = ch.Close()
	})
}
