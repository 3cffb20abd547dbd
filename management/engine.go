package management

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alwitt/mqadmin/common"
	"github.com/alwitt/mqadmin/metrics"
	"github.com/alwitt/mqadmin/schema"
	"github.com/apex/log"
)

// Server states
const (
	ServerStateStarting = "Starting"
	ServerStateRunning  = "Running"
	ServerStateStopping = "Stopping"
)

// Restartable services
const (
	ServiceServer         = "Server"
	ServiceMQConnectivity = "MQConnectivity"
	ServiceSNMP           = "SNMP"
)

// ResetConfig the only supported reset mode
const ResetConfig = "config"

// RuntimeState the live broker state consulted and reset by the engine
type RuntimeState interface {
	// LiveReferences number of live entities referring to a configuration object
	LiveReferences(objType, name string) int
	// DropLive drop all connections and non durable state
	DropLive(ctxt context.Context, cleanStore bool) error
	// Load reload the durable runtime records
	Load(ctxt context.Context) error
	// RefreshSnapshot refresh the connection list snapshot
	RefreshSnapshot() error
}

// ApplyResult outcome of a configuration mutation
type ApplyResult struct {
	Created []ObjectRef
	Updated []ObjectRef
}

// RestartRequest service restart parameters
type RestartRequest struct {
	// Service the service to restart
	Service string `json:"Service"`
	// CleanStore wipe the durable runtime state as well
	CleanStore bool `json:"CleanStore"`
	// Reset "config" restores the factory configuration
	Reset string `json:"Reset"`
}

// ServerStatus state of the admin server
type ServerStatus struct {
	State         string `json:"State"`
	StartTime     string `json:"StartTime"`
	LastRestart   string `json:"LastRestart,omitempty"`
	RestartCount  int    `json:"RestartCount"`
	ConfigObjects int    `json:"ConfigObjects"`
	LiveConverged bool   `json:"LiveConverged"`
	LastError     string `json:"LastError,omitempty"`
}

// Engine validates and applies configuration changes
type Engine interface {
	// Initialize load the stored configuration, seeding the factory defaults on first
	// start, then push the live state to the broker
	Initialize(ctxt context.Context) error
	// Apply validate then commit a set of create / update requests as one transaction
	Apply(ctxt context.Context, requests []schema.Request) (ApplyResult, error)
	// Delete delete a named object. Referenced objects are only deleted with force.
	Delete(ctxt context.Context, objType, name string, force bool) error
	// Get fetch one object. name is ignored for singleton and scalar types.
	Get(objType, name string) (schema.Object, error)
	// List fetch every object of a type
	List(objType string) ([]schema.Object, error)
	// Restart restart a service. A server restart completes in the background.
	Restart(ctxt context.Context, request RestartRequest) error
	// Status state of the admin server
	Status() ServerStatus
	// ComponentStatus state of the live components, optionally limited to one component
	ComponentStatus(component string) ([]ComponentStatus, error)
	// Registry the schema registry in use
	Registry() *schema.Registry
	// Upload stage a certificate or key file
	Upload(ctxt context.Context, fileName string, content []byte) error
}

// engineImpl implements Engine
type engineImpl struct {
	common.Component
	store     *ObjectStore
	validator *schema.Validator
	registry  *schema.Registry
	keystore  *Keystore
	live      *LiveState
	runtime   RuntimeState
	metrics   *metrics.Collector
	restarter common.TaskProcessor

	// globalLock mutations hold it shared; delete, reset and restart hold it exclusively
	globalLock   sync.RWMutex
	keyLocksLock sync.Mutex
	keyLocks     map[string]*keyLock

	statusLock sync.RWMutex
	status     ServerStatus
}

// GetEngine define a new configuration engine. Server restarts run until rootCtxt is
// cancelled.
func GetEngine(
	rootCtxt context.Context,
	store *ObjectStore,
	validator *schema.Validator,
	keystore *Keystore,
	live *LiveState,
	runtime RuntimeState,
	collector *metrics.Collector,
	wg *sync.WaitGroup,
) (Engine, error) {
	logTags := log.Fields{"module": "management", "component": "engine"}
	restarter, err := common.GetNewTaskProcessorInstance(rootCtxt, "restart", 4)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define restart processor")
		return nil, err
	}
	instance := &engineImpl{
		Component: common.Component{LogTags: logTags},
		store:     store,
		validator: validator,
		registry:  validator.Registry(),
		keystore:  keystore,
		live:      live,
		runtime:   runtime,
		metrics:   collector,
		restarter: restarter,
		keyLocks:  map[string]*keyLock{},
		status:    ServerStatus{State: ServerStateStarting},
	}
	if err := restarter.AddToTaskExecutionMap(
		reflect.TypeOf(RestartRequest{}), instance.processRestart,
	); err != nil {
		return nil, err
	}
	if err := restarter.StartEventLoop(wg); err != nil {
		return nil, err
	}
	return instance, nil
}

// Registry the schema registry in use
func (e *engineImpl) Registry() *schema.Registry {
	return e.registry
}

func (e *engineImpl) state() string {
	e.statusLock.RLock()
	defer e.statusLock.RUnlock()
	return e.status.State
}

func (e *engineImpl) setState(state string, err error) {
	e.statusLock.Lock()
	defer e.statusLock.Unlock()
	e.status.State = state
	if err != nil {
		e.status.LastError = err.Error()
	}
}

// Status state of the admin server
func (e *engineImpl) Status() ServerStatus {
	e.statusLock.RLock()
	result := e.status
	e.statusLock.RUnlock()
	result.ConfigObjects = e.store.Count()
	result.LiveConverged = e.live.Converged()
	return result
}

// ComponentStatus state of the live components
func (e *engineImpl) ComponentStatus(component string) ([]ComponentStatus, error) {
	switch component {
	case "", ComponentEndpoint, ComponentMQConnectivity, ComponentSNMP:
		return e.live.Status(component), nil
	}
	return nil, common.NewNotFoundError("Component", component)
}

// Upload stage a certificate or key file
func (e *engineImpl) Upload(ctxt context.Context, fileName string, content []byte) error {
	return e.keystore.Upload(ctxt, fileName, content)
}

// ===============================================================================
// Locking

// keyLock per object mutex, dropped once no request holds or waits on it
type keyLock struct {
	sync.Mutex
	refs int
}

// certificateClaimKey serializes every request touching certificate profiles, as file
// ownership spans all profiles
const certificateClaimKey = "*"

// lockObjects lock the named objects in sorted order. Names are folded so objects
// differing only in case serialize.
func (e *engineImpl) lockObjects(refs []ObjectRef) func() {
	keySet := map[string]bool{}
	for _, ref := range refs {
		keySet[fmt.Sprintf("%s/%s", ref.Type, strings.ToLower(ref.Name))] = true
	}
	keys := make([]string, 0, len(keySet))
	for key := range keySet {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	locks := make([]*keyLock, 0, len(keys))
	e.keyLocksLock.Lock()
	for _, key := range keys {
		lock, ok := e.keyLocks[key]
		if !ok {
			lock = &keyLock{}
			e.keyLocks[key] = lock
		}
		lock.refs++
		locks = append(locks, lock)
	}
	e.keyLocksLock.Unlock()

	for _, lock := range locks {
		lock.Lock()
	}
	return func() {
		for idx := len(locks) - 1; idx >= 0; idx-- {
			locks[idx].Unlock()
		}
		e.keyLocksLock.Lock()
		defer e.keyLocksLock.Unlock()
		for idx, key := range keys {
			locks[idx].refs--
			if locks[idx].refs == 0 {
				delete(e.keyLocks, key)
			}
		}
	}
}

// heldKeyLocks number of object locks currently tracked
func (e *engineImpl) heldKeyLocks() int {
	e.keyLocksLock.Lock()
	defer e.keyLocksLock.Unlock()
	return len(e.keyLocks)
}

// ===============================================================================
// Working view

// workingView the stored configuration overlaid with the objects of a pending mutation
type workingView struct {
	store   *ObjectStore
	pending map[string]map[string]schema.Object
}

func newWorkingView(store *ObjectStore) *workingView {
	return &workingView{store: store, pending: map[string]map[string]schema.Object{}}
}

func (v *workingView) get(objType, name string) (schema.Object, bool) {
	if obj, ok := v.pending[objType][name]; ok {
		return obj, true
	}
	return v.store.Get(objType, name)
}

func (v *workingView) names(objType string) []string {
	result := v.store.Names(objType)
	for name := range v.pending[objType] {
		if _, ok := v.store.Get(objType, name); !ok {
			result = append(result, name)
		}
	}
	sort.Strings(result)
	return result
}

func (v *workingView) list(objType string) []schema.Object {
	result := []schema.Object{}
	for _, name := range v.names(objType) {
		if obj, ok := v.get(objType, name); ok {
			result = append(result, obj)
		}
	}
	return result
}

func (v *workingView) put(obj schema.Object) {
	if _, ok := v.pending[obj.Type]; !ok {
		v.pending[obj.Type] = map[string]schema.Object{}
	}
	v.pending[obj.Type][obj.Name] = obj
}

// ===============================================================================
// Apply

// Apply validate then commit a set of create / update requests as one transaction
func (e *engineImpl) Apply(ctxt context.Context, requests []schema.Request) (ApplyResult, error) {
	if e.state() != ServerStateRunning {
		return ApplyResult{}, common.NewServerBusyError()
	}
	e.globalLock.RLock()
	defer e.globalLock.RUnlock()

	refs := make([]ObjectRef, 0, len(requests)+1)
	for _, req := range requests {
		refs = append(refs, ObjectRef{Type: req.Type, Name: req.Name})
		if req.Type == schema.TypeCertificateProfile {
			refs = append(refs, ObjectRef{Type: req.Type, Name: certificateClaimKey})
		}
	}
	unlock := e.lockObjects(refs)
	defer unlock()

	start := time.Now()
	view := newWorkingView(e.store)
	results := make([]schema.Result, 0, len(requests))
	for _, req := range requests {
		var current *schema.Object
		objSchema, ok := e.registry.Lookup(req.Type)
		if !ok {
			return ApplyResult{}, common.NewInvalidArgumentNameError("", req.Type)
		}
		name := req.Name
		if objSchema.Shape != schema.ShapeNamed {
			name = ""
		}
		if existing, ok := view.get(req.Type, name); ok {
			current = &existing
		}
		result, err := e.validator.Validate(req, current, view.names(req.Type))
		if err != nil {
			return ApplyResult{}, err
		}
		view.put(result.Object)
		results = append(results, result)
	}

	for _, result := range results {
		if err := e.checkReferences(view, result); err != nil {
			return ApplyResult{}, err
		}
	}

	// Certificate profiles
	prepared := []*PreparedProfile{}
	released := []string{}
	for idx, result := range results {
		if result.Object.Type != schema.TypeCertificateProfile || !needsVerification(result) {
			continue
		}
		owners := certificateOwners(view.list(schema.TypeCertificateProfile), result.Object.Name)
		profile, err := e.keystore.Prepare(
			ctxt, result.Object.Name, result.Object.Properties, result.Transient, owners,
		)
		if err != nil {
			return ApplyResult{}, err
		}
		results[idx].Object.Properties[propExpirationDate] = profile.ExpirationDate
		view.put(results[idx].Object)
		prepared = append(prepared, profile)
		if !result.Created {
			if previous, ok := e.store.Get(result.Object.Type, result.Object.Name); ok {
				released = append(released, previous.StringValue(propCertificate), previous.StringValue(propKey))
			}
		}
	}
	installed := make([]*PreparedProfile, 0, len(prepared))
	rollback := func() {
		for idx := len(installed) - 1; idx >= 0; idx-- {
			e.keystore.Rollback(ctxt, installed[idx])
		}
	}
	for _, profile := range prepared {
		installed = append(installed, profile)
		if err := e.keystore.Install(ctxt, profile); err != nil {
			rollback()
			return ApplyResult{}, common.NewInternalError(err)
		}
	}

	upserts := make([]schema.Object, 0, len(results))
	outcome := ApplyResult{Created: []ObjectRef{}, Updated: []ObjectRef{}}
	for _, result := range results {
		upserts = append(upserts, result.Object)
		ref := ObjectRef{Type: result.Object.Type, Name: result.Object.Name}
		if result.Created {
			outcome.Created = append(outcome.Created, ref)
		} else {
			outcome.Updated = append(outcome.Updated, ref)
		}
	}
	if err := e.store.Commit(ctxt, upserts, nil); err != nil {
		rollback()
		return ApplyResult{}, common.NewInternalError(err)
	}

	for _, profile := range prepared {
		e.keystore.ClearStaging(ctxt, profile)
	}
	e.keystore.Release(ctxt, unheldFiles(e.store.List(schema.TypeCertificateProfile), released)...)

	for _, result := range results {
		op := "update"
		if result.Created {
			op = "create"
		}
		e.metrics.RecordMutation(result.Object.Type, op)
		if result.Created || len(result.Changed) > 0 {
			e.pushLive(ctxt, result.Object)
		}
	}
	e.metrics.ObserveApply(time.Since(start))
	log.WithFields(e.LogTags).Infof(
		"Applied configuration: %d created, %d updated", len(outcome.Created), len(outcome.Updated),
	)
	return outcome, nil
}

// checkReferences verify the changed reference properties name existing objects
func (e *engineImpl) checkReferences(view *workingView, result schema.Result) error {
	objSchema, _ := e.registry.Lookup(result.Object.Type)
	changed := map[string]bool{}
	for _, prop := range result.Changed {
		changed[prop] = true
	}
	for _, prop := range objSchema.References() {
		if !result.Created && !changed[prop.Name] {
			continue
		}
		for _, target := range referenceTargets(result.Object, prop) {
			if _, ok := view.get(prop.Ref, target); !ok {
				return common.NewInvalidPropertyValueError(
					result.Object.Type, result.Object.Name, prop.Name, target,
				)
			}
		}
	}
	return nil
}

func referenceTargets(obj schema.Object, prop schema.PropertySpec) []string {
	if prop.Kind == schema.KindStringList {
		return obj.ListValue(prop.Name)
	}
	if target := obj.StringValue(prop.Name); target != "" {
		return []string{target}
	}
	return nil
}

// needsVerification whether a certificate profile request touches the files
func needsVerification(result schema.Result) bool {
	if result.Created {
		return true
	}
	if overwrite, _ := result.Transient[propOverwrite].(bool); overwrite {
		return true
	}
	for _, prop := range result.Changed {
		if prop == propCertificate || prop == propKey {
			return true
		}
	}
	return false
}

// certificateOwners map the files held by the profiles other than exclude to their profile
func certificateOwners(profiles []schema.Object, exclude string) map[string]string {
	owners := map[string]string{}
	for _, profile := range profiles {
		if profile.Name == exclude {
			continue
		}
		for _, prop := range []string{propCertificate, propKey} {
			if fileName := profile.StringValue(prop); fileName != "" {
				owners[fileName] = profile.Name
			}
		}
	}
	return owners
}

// unheldFiles the candidate files not held by any of the profiles
func unheldFiles(profiles []schema.Object, candidates []string) []string {
	held := certificateOwners(profiles, "")
	result := []string{}
	seen := map[string]bool{}
	for _, fileName := range candidates {
		if fileName == "" || seen[fileName] {
			continue
		}
		seen[fileName] = true
		if _, ok := held[fileName]; !ok {
			result = append(result, fileName)
		}
	}
	return result
}

// ===============================================================================
// Live state

// liveComponent the live component driven by an object type, if any
func (e *engineImpl) liveComponent(objType string) (string, *schema.PropertySpec, bool) {
	objSchema, ok := e.registry.Lookup(objType)
	if !ok {
		return "", nil, false
	}
	for idx, prop := range objSchema.Properties {
		if prop.LiveApplied && prop.Kind == schema.KindBool {
			return strings.TrimSuffix(objType, "Enabled"), &objSchema.Properties[idx], true
		}
	}
	return "", nil, false
}

// pushLive queue the live application of an object
func (e *engineImpl) pushLive(ctxt context.Context, obj schema.Object) {
	component, prop, ok := e.liveComponent(obj.Type)
	if !ok {
		return
	}
	enabled, _ := obj.BoolValue(prop.Name)
	var props map[string]interface{}
	if obj.Name != "" {
		props = obj.Copy().Properties
	}
	if err := e.live.Submit(ctxt, component, obj.Name, enabled, props); err != nil {
		log.WithError(err).WithFields(e.LogTags).Errorf(
			"Unable to queue live change of %s '%s'", component, obj.Name,
		)
	}
}

// applyLiveState push every live object, and retire live components without an object
func (e *engineImpl) applyLiveState(ctxt context.Context) {
	for _, entry := range e.live.Status("") {
		objType := entry.Component
		if entry.Name == "" {
			objType = entry.Component + "Enabled"
		}
		if _, ok := e.store.Get(objType, entry.Name); !ok {
			if err := e.live.Remove(ctxt, entry.Component, entry.Name); err != nil {
				log.WithError(err).WithFields(e.LogTags).Errorf(
					"Unable to retire %s '%s'", entry.Component, entry.Name,
				)
			}
		}
	}
	for _, objType := range e.registry.Types() {
		if _, _, ok := e.liveComponent(objType); !ok {
			continue
		}
		for _, obj := range e.store.List(objType) {
			e.pushLive(ctxt, obj)
		}
	}
}

// ===============================================================================
// Delete

// Delete delete a named object
func (e *engineImpl) Delete(ctxt context.Context, objType, name string, force bool) error {
	if e.state() != ServerStateRunning {
		return common.NewServerBusyError()
	}
	objSchema, ok := e.registry.Lookup(objType)
	if !ok {
		return common.NewInvalidArgumentNameError("", objType)
	}
	if objSchema.Shape != schema.ShapeNamed {
		return common.NewMalformedRequestError(fmt.Sprintf("%s objects cannot be deleted", objType))
	}

	e.globalLock.Lock()
	defer e.globalLock.Unlock()

	obj, ok := e.store.Get(objType, name)
	if !ok {
		return common.NewNotFoundError(objType, name)
	}
	if !force {
		if e.configReferences(objType, name) > 0 || e.runtime.LiveReferences(objType, name) > 0 {
			return common.NewResourceInUseError(objType, name)
		}
	} else {
		log.WithFields(e.LogTags).Warnf("Force deleting %s '%s'", objType, name)
	}

	if err := e.store.Commit(ctxt, nil, []ObjectRef{{Type: objType, Name: name}}); err != nil {
		return common.NewInternalError(err)
	}
	e.metrics.RecordMutation(objType, "delete")

	if objType == schema.TypeCertificateProfile {
		e.keystore.Release(ctxt, unheldFiles(
			e.store.List(schema.TypeCertificateProfile),
			[]string{obj.StringValue(propCertificate), obj.StringValue(propKey)},
		)...)
	}
	if component, _, ok := e.liveComponent(objType); ok {
		if err := e.live.Remove(ctxt, component, name); err != nil {
			log.WithError(err).WithFields(e.LogTags).Errorf("Unable to retire %s '%s'", component, name)
		}
	}
	log.WithFields(e.LogTags).Infof("Deleted %s '%s'", objType, name)
	return nil
}

// configReferences number of stored objects referring to an object
func (e *engineImpl) configReferences(objType, name string) int {
	count := 0
	for refType, props := range e.registry.ReferencedBy(objType) {
		refSchema, _ := e.registry.Lookup(refType)
		for _, obj := range e.store.List(refType) {
			for _, propName := range props {
				prop, _ := refSchema.Property(propName)
				for _, target := range referenceTargets(obj, *prop) {
					if target == name {
						count++
					}
				}
			}
		}
	}
	return count
}

// ===============================================================================
// Read

// Get fetch one object
func (e *engineImpl) Get(objType, name string) (schema.Object, error) {
	objSchema, ok := e.registry.Lookup(objType)
	if !ok {
		return schema.Object{}, common.NewInvalidArgumentNameError("", objType)
	}
	if objSchema.Shape != schema.ShapeNamed {
		name = ""
	}
	obj, ok := e.store.Get(objType, name)
	if !ok {
		return schema.Object{}, common.NewNotFoundError(objType, name)
	}
	return obj, nil
}

// List fetch every object of a type
func (e *engineImpl) List(objType string) ([]schema.Object, error) {
	if _, ok := e.registry.Lookup(objType); !ok {
		return nil, common.NewInvalidArgumentNameError("", objType)
	}
	return e.store.List(objType), nil
}

// ===============================================================================
// Reset, initialize and restart

// factoryObjects the configuration present after a reset
func (e *engineImpl) factoryObjects() []schema.Object {
	result := []schema.Object{}
	for _, obj := range schema.FactoryDefaults() {
		objSchema, ok := e.registry.Lookup(obj.Type)
		if !ok {
			continue
		}
		props := objSchema.Defaults()
		for prop, value := range obj.Copy().Properties {
			props[prop] = value
		}
		result = append(result, schema.Object{Type: obj.Type, Name: obj.Name, Properties: props})
	}
	for _, objType := range e.registry.Types() {
		objSchema, _ := e.registry.Lookup(objType)
		if objSchema.Shape == schema.ShapeNamed || objSchema.ResetExempt {
			continue
		}
		props := objSchema.Defaults()
		if objSchema.Shape == schema.ShapeScalar && len(props) == 0 {
			continue
		}
		result = append(result, schema.Object{Type: objType, Properties: props})
	}
	return result
}

// resetConfig replace the configuration with the factory defaults
func (e *engineImpl) resetConfig(ctxt context.Context) error {
	held := []string{}
	for _, profile := range e.store.List(schema.TypeCertificateProfile) {
		held = append(held, profile.StringValue(propCertificate), profile.StringValue(propKey))
	}
	if err := e.store.Wipe(ctxt); err != nil {
		return err
	}
	if err := e.store.Commit(ctxt, e.factoryObjects(), nil); err != nil {
		return err
	}
	e.keystore.Release(ctxt, unheldFiles(nil, held)...)
	log.WithFields(e.LogTags).Info("Configuration reset to factory defaults")
	return nil
}

// Initialize load the stored configuration, and push the live state
func (e *engineImpl) Initialize(ctxt context.Context) error {
	e.globalLock.Lock()
	defer e.globalLock.Unlock()
	if err := e.store.Load(ctxt); err != nil {
		return err
	}
	if e.store.Count() == 0 {
		log.WithFields(e.LogTags).Info("No stored configuration, seeding factory defaults")
		if err := e.store.Commit(ctxt, e.factoryObjects(), nil); err != nil {
			return err
		}
	}
	e.applyLiveState(ctxt)
	e.statusLock.Lock()
	e.status.State = ServerStateRunning
	e.status.StartTime = time.Now().UTC().Format(time.RFC3339)
	e.statusLock.Unlock()
	return nil
}

// Restart restart a service
func (e *engineImpl) Restart(ctxt context.Context, request RestartRequest) error {
	if request.Reset != "" && request.Reset != ResetConfig {
		return common.NewInvalidPropertyValueError("", "", "Reset", request.Reset)
	}
	switch request.Service {
	case ServiceServer:
		e.statusLock.Lock()
		if e.status.State != ServerStateRunning {
			e.statusLock.Unlock()
			return common.NewServerBusyError()
		}
		e.status.State = ServerStateStopping
		e.statusLock.Unlock()
		if err := e.restarter.Submit(ctxt, request); err != nil {
			log.WithError(err).WithFields(e.LogTags).Error("Unable to queue server restart")
			e.setState(ServerStateRunning, err)
			return common.NewInternalError(err)
		}
		log.WithFields(e.LogTags).Infof(
			"Server restart queued: CleanStore=%v Reset='%s'", request.CleanStore, request.Reset,
		)
		return nil

	case ServiceMQConnectivity, ServiceSNMP:
		if e.state() != ServerStateRunning {
			return common.NewServerBusyError()
		}
		obj, err := e.Get(request.Service+"Enabled", "")
		if err != nil {
			return err
		}
		e.pushLive(ctxt, obj)
		e.metrics.RecordRestart(request.Service)
		return nil
	}
	return common.NewInvalidPropertyValueError("", "", "Service", request.Service)
}

// processRestart run a server restart. Runs on the restart processor.
func (e *engineImpl) processRestart(param interface{}) error {
	request, ok := param.(RestartRequest)
	if !ok {
		return fmt.Errorf("unexpected restart request type %s", reflect.TypeOf(param))
	}
	ctxt := context.Background()

	err := func() error {
		e.globalLock.Lock()
		defer e.globalLock.Unlock()
		if err := e.runtime.DropLive(ctxt, request.CleanStore); err != nil {
			return err
		}
		if request.Reset == ResetConfig {
			if err := e.resetConfig(ctxt); err != nil {
				return err
			}
		}
		if err := e.store.Load(ctxt); err != nil {
			return err
		}
		if err := e.runtime.Load(ctxt); err != nil {
			return err
		}
		e.applyLiveState(ctxt)
		return e.runtime.RefreshSnapshot()
	}()
	if err != nil {
		log.WithError(err).WithFields(e.LogTags).Error("Server restart failed")
	}

	e.statusLock.Lock()
	e.status.State = ServerStateRunning
	e.status.RestartCount++
	e.status.LastRestart = time.Now().UTC().Format(time.RFC3339)
	e.status.LastError = ""
	if err != nil {
		e.status.LastError = err.Error()
	}
	e.statusLock.Unlock()
	e.metrics.RecordRestart(ServiceServer)
	log.WithFields(e.LogTags).Info("Server restart complete")
	return err
}
