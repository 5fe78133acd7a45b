/*
Copyright 2025 The Gough Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package server

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/goughcloud/gough/pkg/audit"
	"github.com/goughcloud/gough/pkg/cloudprovider"
	cloudprovidertypes "github.com/goughcloud/gough/pkg/cloudprovider/types"
	"github.com/goughcloud/gough/pkg/rbac"
	"github.com/goughcloud/gough/pkg/storage"
)

type providerView struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	Type       string `json:"type"`
	Region     string `json:"region"`
	Active     bool   `json:"active"`
	LastSyncAt any    `json:"last_sync_at"`
}

func toProviderView(p *storage.CloudProvider) providerView {
	v := providerView{ID: p.ID, Name: p.Name, Type: p.Type, Region: p.Region, Active: p.Active}
	if p.LastSyncAt != nil {
		v.LastSyncAt = *p.LastSyncAt
	}
	return v
}

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	providers, err := s.store.ListProviders(r.Context(), false)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	views := make([]providerView, 0, len(providers))
	for i := range providers {
		views = append(views, toProviderView(&providers[i]))
	}
	s.writeJSON(w, r, http.StatusOK, views)
}

type createProviderRequest struct {
	Name        string            `json:"name"`
	Type        string            `json:"type"`
	Region      string            `json:"region"`
	Credentials map[string]string `json:"credentials"`
}

// handleCreateProvider stores credentials in the secrets store, then
// verifies them against the provider before activating the row.
func (s *Server) handleCreateProvider(w http.ResponseWriter, r *http.Request) {
	var req createProviderRequest
	if err := decode(r, &req); err != nil || req.Name == "" || req.Type == "" {
		s.writeError(w, r, http.StatusBadRequest, "ValidationError", "name and type are required")
		return
	}
	if !cloudprovider.Valid(cloudprovider.Type(req.Type)) {
		s.writeError(w, r, http.StatusBadRequest, "ValidationError",
			fmt.Sprintf("unknown provider type %q", req.Type))
		return
	}
	if _, err := s.store.GetProviderByName(r.Context(), req.Name); err == nil {
		s.writeError(w, r, http.StatusConflict, "Conflict", "provider name already in use")
		return
	}

	credentialsRef := "providers/" + req.Name
	if err := s.secrets.Put(r.Context(), credentialsRef, req.Credentials); err != nil {
		s.fail(w, r, err)
		return
	}
	provider := &storage.CloudProvider{
		Name:           req.Name,
		Type:           req.Type,
		Region:         req.Region,
		CredentialsRef: credentialsRef,
		Active:         true,
	}
	if err := s.store.CreateProvider(r.Context(), provider); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.orch.VerifyCredentials(r.Context(), provider); err != nil {
		// Keep the row but leave it inactive; the operator can fix the
		// credentials and retry.
		provider.Active = false
		if uerr := s.store.UpdateProvider(r.Context(), provider); uerr != nil {
			s.log.Errorw("failed to deactivate provider after auth failure", "provider", provider.Name)
		}
		s.fail(w, r, err)
		return
	}
	s.recorder.Record(r.Context(), audit.Entry{
		Actor: userFrom(r.Context()).Email, Action: "provider.create",
		ResourceType: "provider", ResourceID: strconv.FormatInt(provider.ID, 10),
		Outcome: audit.OutcomeSuccess, RequestID: requestIDFrom(r.Context()),
	})
	s.writeJSON(w, r, http.StatusCreated, toProviderView(provider))
}

func (s *Server) handleGetProvider(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		s.writeError(w, r, http.StatusBadRequest, "ValidationError", "bad provider id")
		return
	}
	provider, err := s.store.GetProvider(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, toProviderView(provider))
}

func (s *Server) handleDeleteProvider(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		s.writeError(w, r, http.StatusBadRequest, "ValidationError", "bad provider id")
		return
	}
	provider, err := s.store.GetProvider(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.store.DeleteProvider(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.secrets.Delete(r.Context(), provider.CredentialsRef); err != nil {
		s.log.Warnw("failed to delete provider credentials", "provider", provider.Name, "err", err)
	}
	s.orch.InvalidateDriver(id)
	s.recorder.Record(r.Context(), audit.Entry{
		Actor: userFrom(r.Context()).Email, Action: "provider.delete",
		ResourceType: "provider", ResourceID: provider.Name,
		Outcome: audit.OutcomeSuccess, RequestID: requestIDFrom(r.Context()),
	})
	s.writeJSON(w, r, http.StatusOK, map[string]string{"status": "deleted"})
}

func providerResourceID(id int64) string { return strconv.FormatInt(id, 10) }

// requireProviderCap loads the provider and checks the user's
// capability on it. Maintainers and admins pass without assignments.
func (s *Server) requireProviderCap(w http.ResponseWriter, r *http.Request, cap string) (*storage.CloudProvider, bool) {
	id, ok := pathID(r, "id")
	if !ok {
		s.writeError(w, r, http.StatusBadRequest, "ValidationError", "bad provider id")
		return nil, false
	}
	provider, err := s.store.GetProvider(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return nil, false
	}
	user := userFrom(r.Context())
	if s.eval.HasGlobalRole(r.Context(), user.ID, storage.RoleMaintainer) ||
		s.hasCapability(r, "provider", providerResourceID(id), cap) {
		return provider, true
	}
	s.writeError(w, r, http.StatusForbidden, "PermissionDenied", "insufficient capabilities on provider")
	return nil, false
}

func (s *Server) handleListMachines(w http.ResponseWriter, r *http.Request) {
	provider, ok := s.requireProviderCap(w, r, rbac.CapRead)
	if !ok {
		return
	}
	if r.URL.Query().Get("cached") == "true" {
		machines, err := s.store.ListMachines(r.Context(), provider.ID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		s.writeJSON(w, r, http.StatusOK, machines)
		return
	}
	machines, err := s.orch.ListMachines(r.Context(), provider.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, machines)
}

type createMachineRequest struct {
	Name              string            `json:"name"`
	Image             string            `json:"image"`
	Size              string            `json:"size"`
	Zone              string            `json:"zone"`
	SSHKeys           []string          `json:"ssh_keys"`
	SubnetID          string            `json:"subnet_id"`
	SecurityGroups    []string          `json:"security_groups"`
	AssociatePublicIP bool              `json:"associate_public_ip"`
	CloudInit         string            `json:"cloud_init"`
	Tags              map[string]string `json:"tags"`
	Extra             map[string]string `json:"extra"`
}

func (s *Server) handleCreateMachine(w http.ResponseWriter, r *http.Request) {
	provider, ok := s.requireProviderCap(w, r, rbac.CapWrite)
	if !ok {
		return
	}
	var req createMachineRequest
	if err := decode(r, &req); err != nil || req.Name == "" {
		s.writeError(w, r, http.StatusBadRequest, "ValidationError", "name is required")
		return
	}
	machine, err := s.orch.CreateMachine(r.Context(), provider.ID, cloudprovidertypes.MachineSpec{
		Name:              req.Name,
		Image:             req.Image,
		Size:              req.Size,
		Region:            provider.Region,
		Zone:              req.Zone,
		SSHKeys:           req.SSHKeys,
		SubnetID:          req.SubnetID,
		SecurityGroups:    req.SecurityGroups,
		AssociatePublicIP: req.AssociatePublicIP,
		CloudInit:         req.CloudInit,
		Tags:              req.Tags,
		Extra:             req.Extra,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.recorder.Record(r.Context(), audit.Entry{
		Actor: userFrom(r.Context()).Email, Action: "machine.create",
		ResourceType: "machine", ResourceID: machine.ExternalID,
		Outcome: audit.OutcomeSuccess,
		Details: map[string]any{"provider": provider.Name, "name": req.Name},
		RequestID: requestIDFrom(r.Context()),
	})
	s.writeJSON(w, r, http.StatusCreated, machine)
}

func (s *Server) handleGetMachine(w http.ResponseWriter, r *http.Request) {
	provider, ok := s.requireProviderCap(w, r, rbac.CapRead)
	if !ok {
		return
	}
	machine, err := s.orch.GetMachine(r.Context(), provider.ID, r.PathValue("externalID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, machine)
}

func (s *Server) handleConsoleOutput(w http.ResponseWriter, r *http.Request) {
	provider, ok := s.requireProviderCap(w, r, rbac.CapRead)
	if !ok {
		return
	}
	output, err := s.orch.GetConsoleOutput(r.Context(), provider.ID, r.PathValue("externalID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, map[string]string{"console_output": output})
}

// handleMachineAction covers start, stop, reboot and destroy.
func (s *Server) handleMachineAction(w http.ResponseWriter, r *http.Request) {
	provider, ok := s.requireProviderCap(w, r, rbac.CapWrite)
	if !ok {
		return
	}
	externalID := r.PathValue("externalID")
	action := r.PathValue("action")

	var err error
	switch action {
	case "start":
		err = s.orch.StartMachine(r.Context(), provider.ID, externalID)
	case "stop":
		err = s.orch.StopMachine(r.Context(), provider.ID, externalID)
	case "reboot":
		err = s.orch.RebootMachine(r.Context(), provider.ID, externalID)
	case "destroy":
		err = s.orch.DestroyMachine(r.Context(), provider.ID, externalID)
	default:
		s.writeError(w, r, http.StatusBadRequest, "ValidationError",
			fmt.Sprintf("unknown action %q", action))
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.recorder.Record(r.Context(), audit.Entry{
		Actor: userFrom(r.Context()).Email, Action: "machine." + action,
		ResourceType: "machine", ResourceID: externalID,
		Outcome: audit.OutcomeSuccess,
		Details: map[string]any{"provider": provider.Name},
		RequestID: requestIDFrom(r.Context()),
	})
	s.writeJSON(w, r, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleListImages(w http.ResponseWriter, r *http.Request) {
	provider, ok := s.requireProviderCap(w, r, rbac.CapRead)
	if !ok {
		return
	}
	descriptors, err := s.orch.ListImages(r.Context(), provider.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, descriptors)
}

func (s *Server) handleListSizes(w http.ResponseWriter, r *http.Request) {
	provider, ok := s.requireProviderCap(w, r, rbac.CapRead)
	if !ok {
		return
	}
	descriptors, err := s.orch.ListSizes(r.Context(), provider.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, descriptors)
}

func (s *Server) handleListRegions(w http.ResponseWriter, r *http.Request) {
	provider, ok := s.requireProviderCap(w, r, rbac.CapRead)
	if !ok {
		return
	}
	descriptors, err := s.orch.ListRegions(r.Context(), provider.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, descriptors)
}
