package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/termtunnel/termtunnel/internal/store"
	"github.com/termtunnel/termtunnel/internal/transport"
)

// Broadcaster pushes a state change to every connected Socket.IO client.
// HTTP writes and socket writes converge on the same sync events so all
// clients see one consistent document.
type Broadcaster interface {
	BroadcastAll(event string, payload any)
}

// State serves the persisted UI state: tabs, PIN settings, favorites
// and saved commands.
type State struct {
	Tabs      *store.Tabs
	Pin       *store.Pin
	Favorites *store.Collection
	Commands  *store.Collection
	Broadcast Broadcaster
}

func (h *State) GetTabs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Tabs.Get())
}

func (h *State) PutTabs(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Tabs []store.Tab `json:"tabs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	doc, err := h.Tabs.Replace(body.Tabs)
	if err != nil {
		if errors.Is(err, store.ErrTabLimit) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to save tabs")
		return
	}

	h.Broadcast.BroadcastAll(transport.EventTabsSync, doc)
	writeJSON(w, http.StatusOK, doc)
}

func (h *State) GetPin(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Pin.Get())
}

func (h *State) PutPin(w http.ResponseWriter, r *http.Request) {
	var body store.PinSettings
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	saved, err := h.Pin.Put(body)
	if err != nil {
		if errors.Is(err, store.ErrBadPinHash) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to save PIN settings")
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (h *State) GetFavorites(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Favorites.Get())
}

func (h *State) PutFavorites(w http.ResponseWriter, r *http.Request) {
	h.putCollection(w, r, h.Favorites, transport.EventFavoritesSync, "Failed to save favorites")
}

func (h *State) GetCommands(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Commands.Get())
}

func (h *State) PutCommands(w http.ResponseWriter, r *http.Request) {
	h.putCollection(w, r, h.Commands, transport.EventCommandsSync, "Failed to save commands")
}

func (h *State) putCollection(w http.ResponseWriter, r *http.Request, col *store.Collection, event, failMsg string) {
	var body struct {
		Items []json.RawMessage `json:"items"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	doc, err := col.Replace(body.Items)
	if err != nil {
		writeError(w, http.StatusInternalServerError, failMsg)
		return
	}

	h.Broadcast.BroadcastAll(event, doc)
	writeJSON(w, http.StatusOK, doc)
}
