package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/MegaGrindStone/bank-assistant/internal/stepup"
)

// HandleStepUpPending lists the current user's open challenges, so a reloaded page can offer to decline them.
func (m Main) HandleStepUpPending(w http.ResponseWriter, r *http.Request) {
	if m.broker == nil {
		http.NotFound(w, r)
		return
	}
	pending := m.broker.Pending(identify(r, m.defaultUser))
	if pending == nil {
		pending = []stepup.Challenge{}
	}
	writeJSON(w, http.StatusOK, pending)
}

// HandleStepUpVerify resolves the challenge in the path with the WebAuthn assertion in the request body. A
// rejected assertion resolves the challenge as cancelled and answers 400.
func (m Main) HandleStepUpVerify(w http.ResponseWriter, r *http.Request) {
	if m.broker == nil {
		http.NotFound(w, r)
		return
	}
	userID := identify(r, m.defaultUser)
	challengeID := r.PathValue("id")

	if err := m.broker.Verify(r.Context(), userID, challengeID, r); err != nil {
		m.challengeError(w, challengeID, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleStepUpDecline resolves the challenge in the path as cancelled.
func (m Main) HandleStepUpDecline(w http.ResponseWriter, r *http.Request) {
	if m.broker == nil {
		http.NotFound(w, r)
		return
	}
	userID := identify(r, m.defaultUser)
	challengeID := r.PathValue("id")

	if err := m.broker.Decline(userID, challengeID); err != nil {
		m.challengeError(w, challengeID, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (m Main) challengeError(w http.ResponseWriter, challengeID string, err error) {
	if errors.Is(err, stepup.ErrUnknownChallenge) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	m.logger.Warn("Challenge not verified",
		slog.String("challengeID", challengeID),
		slog.String(errLoggerKey, err.Error()))
	http.Error(w, "Verification failed", http.StatusBadRequest)
}

// HandleRegisterBegin returns the creation options for enrolling a passkey.
func (m Main) HandleRegisterBegin(w http.ResponseWriter, r *http.Request) {
	if m.broker == nil {
		http.NotFound(w, r)
		return
	}
	creation, err := m.broker.BeginRegistration(r.Context(), identify(r, m.defaultUser))
	if err != nil {
		m.logger.Error("Failed to begin passkey registration", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, creation)
}

// HandleRegisterFinish stores the passkey attested in the request body.
func (m Main) HandleRegisterFinish(w http.ResponseWriter, r *http.Request) {
	if m.broker == nil {
		http.NotFound(w, r)
		return
	}
	if err := m.broker.FinishRegistration(r.Context(), identify(r, m.defaultUser), r); err != nil {
		m.logger.Warn("Passkey registration failed", slog.String(errLoggerKey, err.Error()))
		http.Error(w, "Registration failed", http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
