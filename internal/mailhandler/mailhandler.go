package mailhandler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/OliverSchlueter/goutils/problems"

	"github.com/OliverSchlueter/smtpevent/internal/directory"
	"github.com/OliverSchlueter/smtpevent/internal/mails"
	"github.com/OliverSchlueter/smtpevent/internal/smtp"
)

// StatsSource is implemented by *smtp.Server.
type StatsSource interface {
	Stats() smtp.Stats
}

type Handler struct {
	mailStore *mails.Store
	directory *directory.Store
	stats     StatsSource
}

type Configuration struct {
	Mails *mails.Store
	// Directory is optional. Without it any address can be queried.
	Directory *directory.Store
	Stats     StatsSource
}

func New(config Configuration) *Handler {
	return &Handler{
		mailStore: config.Mails,
		directory: config.Directory,
		stats:     config.Stats,
	}
}

func (h *Handler) Register(prefix string, mux *http.ServeMux) {
	mux.HandleFunc(prefix+"/mailboxes", h.handleMailboxes)
	mux.HandleFunc(prefix+"/mailboxes/{address}/mails", h.handleMailboxMails)
	mux.HandleFunc(prefix+"/mails/{id}", h.handleMail)
	mux.HandleFunc(prefix+"/stats", h.handleStats)
}

func (h *Handler) handleMailboxes(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.getMailboxes(w)
	default:
		problems.MethodNotAllowed(r.Method, []string{http.MethodGet}).WriteToHTTP(w)
	}
}

func (h *Handler) getMailboxes(w http.ResponseWriter) {
	addresses := []string{}
	if h.directory != nil {
		all, err := h.directory.Addresses()
		if err != nil {
			problems.InternalServerError(err.Error()).WriteToHTTP(w)
			return
		}
		addresses = all
	}

	writeJSON(w, addresses)
}

func (h *Handler) handleMailboxMails(w http.ResponseWriter, r *http.Request) {
	address := r.PathValue("address")

	switch r.Method {
	case http.MethodGet:
		h.getMailboxMails(w, r, address)
	default:
		problems.MethodNotAllowed(r.Method, []string{http.MethodGet}).WriteToHTTP(w)
	}
}

func (h *Handler) getMailboxMails(w http.ResponseWriter, r *http.Request, address string) {
	address = directory.Normalize(address)
	if !directory.IsValidAddress(address) {
		problems.ValidationError("address", "Invalid mailbox address").WriteToHTTP(w)
		return
	}

	if h.directory != nil {
		ok, err := h.directory.Exists(address)
		if err != nil {
			problems.InternalServerError(err.Error()).WriteToHTTP(w)
			return
		}
		if !ok {
			http.NotFound(w, r)
			return
		}
	}

	m, err := h.mailStore.GetMailsByRecipient(address)
	if err != nil {
		problems.InternalServerError(err.Error()).WriteToHTTP(w)
		return
	}
	if m == nil {
		m = []mails.Mail{}
	}

	writeJSON(w, m)
}

func (h *Handler) handleMail(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	switch r.Method {
	case http.MethodGet:
		h.getMail(w, r, id)
	default:
		problems.MethodNotAllowed(r.Method, []string{http.MethodGet}).WriteToHTTP(w)
	}
}

func (h *Handler) getMail(w http.ResponseWriter, r *http.Request, id string) {
	mail, err := h.mailStore.GetMailByID(id)
	if err != nil {
		if errors.Is(err, mails.ErrMailNotFound) {
			http.NotFound(w, r)
			return
		}
		problems.InternalServerError(err.Error()).WriteToHTTP(w)
		return
	}

	writeJSON(w, mail)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, h.stats.Stats())
	default:
		problems.MethodNotAllowed(r.Method, []string{http.MethodGet}).WriteToHTTP(w)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		problems.InternalServerError("Error marshalling response").WriteToHTTP(w)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
