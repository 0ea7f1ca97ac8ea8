package http

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"

	chi "github.com/go-chi/chi/v5"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// WebhookPath маршрут вебхука. Секрет передаётся последним сегментом пути.
const WebhookPath = "/bot/webhook/{secret}"

// WebhookHandler принимает апдейты Telegram и передаёт их в updates.
// Пустой secret отключает проверку.
func WebhookHandler(secret string, updates chan<- tgbotapi.Update) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if secret != "" {
			got := chi.URLParam(r, "secret")
			if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
				http.Error(w, "подпись недействительна", http.StatusUnauthorized)
				return
			}
		}
		var upd tgbotapi.Update
		if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
			http.Error(w, "некорректный апдейт", http.StatusBadRequest)
			return
		}
		select {
		case updates <- upd:
			w.WriteHeader(http.StatusOK)
		case <-r.Context().Done():
			// Telegram повторит доставку.
			http.Error(w, "очередь апдейтов переполнена", http.StatusServiceUnavailable)
		}
	}
}
