package emulator

import (
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/muurk/castlink/internal/link"
	"github.com/muurk/castlink/internal/urls"
	"go.uber.org/zap"
)

const maxLaunchPayload = 4096

// deviceDescription is the UPnP description document served at /dd.xml
type deviceDescription struct {
	XMLName     xml.Name `xml:"urn:schemas-upnp-org:device-1-0 root"`
	SpecVersion struct {
		Major int `xml:"major"`
		Minor int `xml:"minor"`
	} `xml:"specVersion"`
	Device struct {
		DeviceType   string `xml:"deviceType"`
		FriendlyName string `xml:"friendlyName"`
		Manufacturer string `xml:"manufacturer"`
		ModelName    string `xml:"modelName"`
		UDN          string `xml:"UDN"`
	} `xml:"device"`
}

// serviceStatus is the DIAL application status document
type serviceStatus struct {
	XMLName xml.Name    `xml:"urn:dial-multiscreen-org:schemas:dial service"`
	Name    string      `xml:"name"`
	Options statusAllow `xml:"options"`
	State   string      `xml:"state"`
	Link    *statusLink `xml:"link,omitempty"`
}

type statusAllow struct {
	AllowStop bool `xml:"allowStop,attr"`
}

type statusLink struct {
	Rel  string `xml:"rel,attr"`
	Href string `xml:"href,attr"`
}

func (s *Server) dialHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /dd.xml", s.handleDescription)
	mux.HandleFunc("GET /apps/{name}", s.handleAppStatus)
	mux.HandleFunc("POST /apps/{name}", s.handleAppLaunch)
	mux.HandleFunc("DELETE /apps/{name}/run", s.handleAppStop)
	return mux
}

func (s *Server) handleDescription(w http.ResponseWriter, r *http.Request) {
	var doc deviceDescription
	doc.SpecVersion.Major = 1
	doc.Device.DeviceType = "urn:dial-multiscreen-org:device:dial:1"
	doc.Device.FriendlyName = s.config.FriendlyName
	doc.Device.Manufacturer = s.config.Manufacturer
	doc.Device.ModelName = s.config.ModelName
	doc.Device.UDN = "uuid:" + s.config.UUID

	w.Header().Set("Application-URL", s.AppURL())
	s.writeXML(w, http.StatusOK, doc)
}

func (s *Server) handleAppStatus(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	s.mu.Lock()
	app, ok := s.apps[name]
	var running bool
	if ok {
		running = app.running
	}
	s.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}

	doc := serviceStatus{Name: name, Options: statusAllow{AllowStop: true}, State: "stopped"}
	if running {
		doc.State = "running"
		doc.Link = &statusLink{Rel: "run", Href: "run"}
	}
	s.writeXML(w, http.StatusOK, doc)
}

func (s *Server) handleAppLaunch(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxLaunchPayload+1))
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}
	if len(payload) > maxLaunchPayload {
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}

	s.mu.Lock()
	app, ok := s.apps[name]
	var runID int
	if ok {
		app.running = true
		app.runID++
		runID = app.runID
	}
	s.mu.Unlock()

	if !ok {
		s.log.Warn("Launch of unknown application", zap.String("app", name))
		http.NotFound(w, r)
		return
	}

	s.log.Info("Application launched", zap.String("app", name), zap.Int("payload_bytes", len(payload)))
	w.Header().Set("Location", s.AppURL()+name+"/run")
	w.WriteHeader(http.StatusCreated)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.confirmLaunch(name, runID)
	}()
}

// confirmLaunch announces the application on the application links after
// ConfirmDelay unless it was stopped or relaunched in the meantime
func (s *Server) confirmLaunch(name string, runID int) {
	time.Sleep(s.config.ConfirmDelay)

	s.mu.Lock()
	app := s.apps[name]
	current := app != nil && app.running && app.runID == runID
	s.mu.Unlock()
	if !current {
		return
	}

	payload := fmt.Sprintf(`{"type":"status","app":%q,"connected":"connected"}`, name)
	n := s.broadcast(urls.ApplicationLinkPath, eventMessage(link.DomainApplication, []byte(payload)))
	s.log.Info("Application attached", zap.String("app", name), zap.Int("links", n))
}

func (s *Server) handleAppStop(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	s.mu.Lock()
	app, ok := s.apps[name]
	wasRunning := ok && app.running
	if ok {
		app.running = false
	}
	s.mu.Unlock()

	if !wasRunning {
		http.NotFound(w, r)
		return
	}

	s.log.Info("Application stopped", zap.String("app", name))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) writeXML(w http.ResponseWriter, status int, v any) {
	body, err := xml.MarshalIndent(v, "", "  ")
	if err != nil {
		s.log.Error("Failed to encode XML", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", `text/xml; charset="utf-8"`)
	w.WriteHeader(status)
	_, _ = w.Write([]byte(xml.Header))
	_, _ = w.Write(body)
}
