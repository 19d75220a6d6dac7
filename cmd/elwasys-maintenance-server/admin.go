package main

import (
	"context"
	"encoding/json"
	goerrs "errors"
	"net/http"
	"time"

	"github.com/kabieror/elwasys-common/pkg/domain"
	"github.com/kabieror/elwasys-common/pkg/errors"
	"github.com/kabieror/elwasys-common/pkg/message"
	"go.uber.org/zap"
)

// locationDirectory is the part of the maintenance server the admin routes use.
type locationDirectory interface {
	ListConnectedLocations() []string
	GetHostAddress(location string) (string, error)
	GetConnectedSince(location string) (time.Time, error)
	SendQuery(ctx context.Context, location string, req *message.Message) (*message.Message, error)
	SendCommand(location string, req *message.Message) error
}

type locationView struct {
	Location       string    `json:"location"`
	Host           string    `json:"host"`
	ConnectedSince time.Time `json:"connectedSince"`
}

type statusView struct {
	InterfaceStatus       string             `json:"interfaceStatus"`
	InterfaceStatusDetail string             `json:"interfaceStatusDetail,omitempty"`
	BacklightStatus       string             `json:"backlightStatus"`
	StartupTime           time.Time          `json:"startupTime"`
	RunningExecutions     []domain.Execution `json:"runningExecutions"`
}

type adminRoutes struct {
	directory locationDirectory
	log       *zap.Logger
}

func registerAdminRoutes(mux *http.ServeMux, directory locationDirectory, logger *zap.Logger) {
	routes := &adminRoutes{
		directory: directory,
		log:       logger.With(zap.String("component", "AdminRoutes")),
	}
	mux.HandleFunc("GET /locations", routes.listLocations)
	mux.HandleFunc("GET /locations/{location}/status", routes.getStatus)
	mux.HandleFunc("GET /locations/{location}/log", routes.getLog)
	mux.HandleFunc("POST /locations/{location}/restart", routes.restart)
}

func (a *adminRoutes) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		a.log.Warn("Failed to write response", zap.Error(err))
	}
}

func (a *adminRoutes) writeError(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	var unknown *errors.UnknownLocation
	switch {
	case goerrs.As(err, &unknown):
		status = http.StatusNotFound
	case goerrs.Is(err, errors.ErrNoResponse):
		status = http.StatusGatewayTimeout
	}
	a.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// query sends req to location and rejects answers that are not of type want.
func (a *adminRoutes) query(r *http.Request, req *message.Message, want message.MessageType) (*message.Message, error) {
	location := r.PathValue("location")
	res, err := a.directory.SendQuery(r.Context(), location, req)
	if err != nil {
		return nil, err
	}
	if res.MessageType == message.MessageType_ErrorMessage {
		return nil, goerrs.New(res.Error.Text)
	}
	if res.MessageType != want {
		return nil, &errors.UnexpectedMessage{Expected: want.String(), Actual: res.String()}
	}
	return res, nil
}

func (a *adminRoutes) listLocations(w http.ResponseWriter, r *http.Request) {
	views := []locationView{}
	for _, location := range a.directory.ListConnectedLocations() {
		host, err := a.directory.GetHostAddress(location)
		if err != nil {
			// Disconnected since the listing.
			continue
		}
		since, err := a.directory.GetConnectedSince(location)
		if err != nil {
			continue
		}
		views = append(views, locationView{Location: location, Host: host, ConnectedSince: since})
	}
	a.writeJSON(w, http.StatusOK, views)
}

func (a *adminRoutes) getStatus(w http.ResponseWriter, r *http.Request) {
	res, err := a.query(r, message.NewGetStatusRequest(), message.MessageType_GetStatusResponse)
	if err != nil {
		a.writeError(w, err)
		return
	}

	status := res.GetStatusResponse
	executions := status.RunningExecutions
	if executions == nil {
		executions = []domain.Execution{}
	}
	a.writeJSON(w, http.StatusOK, statusView{
		InterfaceStatus:       status.InterfaceStatus.String(),
		InterfaceStatusDetail: status.InterfaceStatusDetail,
		BacklightStatus:       status.BacklightStatus.String(),
		StartupTime:           status.StartupTime,
		RunningExecutions:     executions,
	})
}

func (a *adminRoutes) getLog(w http.ResponseWriter, r *http.Request) {
	res, err := a.query(r, message.NewGetLogRequest(), message.MessageType_GetLogResponse)
	if err != nil {
		a.writeError(w, err)
		return
	}

	lines := res.GetLogResponse.LogContent
	if lines == nil {
		lines = []string{}
	}
	a.writeJSON(w, http.StatusOK, map[string][]string{"lines": lines})
}

func (a *adminRoutes) restart(w http.ResponseWriter, r *http.Request) {
	location := r.PathValue("location")
	if err := a.directory.SendCommand(location, message.NewRestartAppRequest()); err != nil {
		a.writeError(w, err)
		return
	}
	a.log.Info("Restart requested", zap.String("location", location))
	w.WriteHeader(http.StatusAccepted)
}
