package processor

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/dop251/goja"
	"github.com/sirupsen/logrus"

	"educhain-indexer/internal/config"
	"educhain-indexer/internal/models"
)

// ErrEventRejected is returned when a JavaScript transform function rejects an event
// by returning null or undefined
var ErrEventRejected = errors.New("event rejected by transformer")

// SubjectPublisher is the part of the NATS publisher exposed to scripts
type SubjectPublisher interface {
	PublishRaw(subject string, data []byte) error
}

// Transformer reshapes events before they are persisted
type Transformer struct {
	config    *config.ProcessorConfig
	logger    *logrus.Logger
	rules     []*RuleMatcher
	jsScript  string           // Cached script content
	publisher SubjectPublisher // Optional, backs nats.publish in scripts
}

// RuleMatcher matches events by emitter and event type and rewrites their payload
type RuleMatcher struct {
	packageID string
	module    string
	eventType string
	include   map[string]bool
	exclude   map[string]bool
	rename    map[string]string
	addFields map[string]string
}

// NewTransformer creates a new transformer with the given configuration
func NewTransformer(cfg *config.ProcessorConfig, logger *logrus.Logger, publisher SubjectPublisher) (*Transformer, error) {
	transformer := &Transformer{
		config:    cfg,
		logger:    logger,
		rules:     []*RuleMatcher{},
		publisher: publisher,
	}
	if cfg == nil || !cfg.Enabled {
		return transformer, nil
	}

	if err := ValidateRules(cfg); err != nil {
		return nil, err
	}

	if cfg.Script != "" {
		scriptContent, err := os.ReadFile(cfg.Script)
		if err != nil {
			return nil, fmt.Errorf("failed to read JavaScript script file: %w", err)
		}
		if err := validateJavaScriptScript(string(scriptContent)); err != nil {
			return nil, fmt.Errorf("invalid JavaScript script: %w", err)
		}
		transformer.jsScript = string(scriptContent)
		logger.Infof("Loaded JavaScript transformation script: %s", cfg.Script)
	}

	for _, rule := range cfg.Rules {
		matcher := &RuleMatcher{
			packageID: rule.PackageID,
			module:    rule.Module,
			eventType: rule.EventType,
			include:   make(map[string]bool),
			exclude:   make(map[string]bool),
			rename:    make(map[string]string),
			addFields: rule.AddFields,
		}
		for _, field := range rule.Include {
			matcher.include[strings.ToLower(field)] = true
		}
		for _, field := range rule.Exclude {
			matcher.exclude[strings.ToLower(field)] = true
		}
		for from, to := range rule.Rename {
			matcher.rename[strings.ToLower(from)] = to
		}
		transformer.rules = append(transformer.rules, matcher)
	}

	return transformer, nil
}

// Enabled reports whether Transform can change events
func (t *Transformer) Enabled() bool {
	return t != nil && t.config != nil && t.config.Enabled && (t.jsScript != "" || len(t.rules) > 0)
}

// compileScript runs the script and returns its transform function, which is either
// the script's value or a function named transform
func compileScript(vm *goja.Runtime, script string) (goja.Callable, error) {
	result, err := vm.RunString(script)
	if err != nil {
		return nil, fmt.Errorf("failed to execute script: %w", err)
	}
	if result != nil && !goja.IsUndefined(result) && !goja.IsNull(result) {
		if fn, ok := goja.AssertFunction(result); ok {
			return fn, nil
		}
	}
	if transformVar := vm.Get("transform"); transformVar != nil && !goja.IsUndefined(transformVar) && !goja.IsNull(transformVar) {
		if fn, ok := goja.AssertFunction(transformVar); ok {
			return fn, nil
		}
	}
	return nil, fmt.Errorf("script must export a function (either anonymous function or named 'transform' function)")
}

func validateJavaScriptScript(scriptContent string) error {
	_, err := compileScript(goja.New(), scriptContent)
	return err
}

// Transform applies the script or the first matching rule. The natural key of the
// event never changes.
func (t *Transformer) Transform(event *models.Event) (*models.Event, error) {
	if !t.Enabled() {
		return event, nil
	}
	if t.jsScript != "" {
		return t.transformWithJavaScript(event)
	}
	return t.transformWithRules(event)
}

// transformWithJavaScript transforms an event using the JavaScript script
func (t *Transformer) transformWithJavaScript(event *models.Event) (*models.Event, error) {
	eventJSON, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event to JSON: %w", err)
	}

	// goja.Runtime is not thread-safe; one per call
	vm := goja.New()
	if err := t.setupConsoleBindings(vm); err != nil {
		return nil, fmt.Errorf("failed to setup console bindings: %w", err)
	}
	if t.publisher != nil {
		if err := t.setupNATSBindings(vm); err != nil {
			return nil, fmt.Errorf("failed to setup NATS bindings: %w", err)
		}
	}

	callable, err := compileScript(vm, t.jsScript)
	if err != nil {
		return nil, err
	}

	if err := vm.Set("eventJSON", string(eventJSON)); err != nil {
		return nil, fmt.Errorf("failed to set event JSON: %w", err)
	}
	eventObj, err := vm.RunString("JSON.parse(eventJSON)")
	if err != nil {
		return nil, fmt.Errorf("failed to parse event JSON: %w", err)
	}

	result, err := callable(goja.Undefined(), eventObj)
	if err != nil {
		return nil, fmt.Errorf("JavaScript transform function error: %w", err)
	}
	if result == nil || goja.IsUndefined(result) || goja.IsNull(result) {
		t.logger.Debugf("Event rejected by JavaScript transformer: %s (type: %s)", event.TxDigest, models.StringOrEmpty(event.EventType))
		return nil, ErrEventRejected
	}

	resultJSON, err := json.Marshal(result.Export())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	var transformed models.Event
	if err := json.Unmarshal(resultJSON, &transformed); err != nil {
		return nil, fmt.Errorf("failed to unmarshal result: %w", err)
	}

	// Scripts may reshape content, never identity
	transformed.ID = event.ID
	transformed.TxDigest = event.TxDigest
	transformed.EventSeq = event.EventSeq
	transformed.CreatedAt = event.CreatedAt

	return &transformed, nil
}

// transformWithRules rewrites the payload with the first matching rule
func (t *Transformer) transformWithRules(event *models.Event) (*models.Event, error) {
	var matchedRule *RuleMatcher
	for _, rule := range t.rules {
		if rule.matches(event) {
			matchedRule = rule
			break
		}
	}
	if matchedRule == nil || len(event.ParsedJSON) == 0 {
		return event, nil
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(event.ParsedJSON, &payload); err != nil {
		// Non-object payloads pass through unchanged
		return event, nil
	}

	data, err := json.Marshal(matchedRule.apply(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal transformed payload: %w", err)
	}
	transformed := *event
	transformed.ParsedJSON = data
	return &transformed, nil
}

// apply rewrites a single payload object
func (r *RuleMatcher) apply(payload map[string]interface{}) map[string]interface{} {
	transformed := make(map[string]interface{}, len(payload)+len(r.addFields))
	for key, value := range r.addFields {
		transformed[key] = value
	}
	for key, value := range payload {
		keyLower := strings.ToLower(key)
		if len(r.exclude) > 0 && r.exclude[keyLower] {
			continue
		}
		if len(r.include) > 0 && !r.include[keyLower] {
			continue
		}
		outputKey := key
		if newName, ok := r.rename[keyLower]; ok {
			outputKey = newName
		}
		transformed[outputKey] = value
	}
	return transformed
}

// matches checks the emitter package, module and event type; empty fields match all
func (r *RuleMatcher) matches(e *models.Event) bool {
	if r.packageID != "" && !strings.EqualFold(r.packageID, models.StringOrEmpty(e.PackageID)) {
		return false
	}
	if r.module != "" && r.module != models.StringOrEmpty(e.TransactionModule) {
		return false
	}
	if r.eventType == "" {
		return true
	}
	eventType := models.StringOrEmpty(e.EventType)
	// Short names match the struct part of pkg::module::Struct
	if strings.Contains(r.eventType, "::") {
		return r.eventType == eventType
	}
	return strings.HasSuffix(eventType, "::"+r.eventType)
}

// setupConsoleBindings sets up console JavaScript bindings in the VM
func (t *Transformer) setupConsoleBindings(vm *goja.Runtime) error {
	consoleObj := vm.NewObject()

	formatArgs := func(call goja.FunctionCall) string {
		args := make([]interface{}, len(call.Arguments))
		for i, arg := range call.Arguments {
			args[i] = arg.Export()
		}
		return fmt.Sprint(args...)
	}
	bind := func(name string, logFn func(args ...interface{})) error {
		fn := func(call goja.FunctionCall) goja.Value {
			logFn(formatArgs(call))
			return goja.Undefined()
		}
		if err := consoleObj.Set(name, fn); err != nil {
			return fmt.Errorf("failed to set console.%s: %w", name, err)
		}
		return nil
	}

	for name, logFn := range map[string]func(args ...interface{}){
		"log":   t.logger.Info,
		"info":  t.logger.Info,
		"warn":  t.logger.Warn,
		"error": t.logger.Error,
		"debug": t.logger.Debug,
	} {
		if err := bind(name, logFn); err != nil {
			return err
		}
	}

	if err := vm.Set("console", consoleObj); err != nil {
		return fmt.Errorf("failed to set console object: %w", err)
	}
	return nil
}

// setupNATSBindings exposes nats.publish(subject, data) to scripts
func (t *Transformer) setupNATSBindings(vm *goja.Runtime) error {
	natsObj := vm.NewObject()

	publishFn := func(call goja.FunctionCall) goja.Value {
		subject := call.Argument(0).String()
		if subject == "" {
			panic(vm.NewTypeError("nats.publish: subject is required"))
		}
		dataArg := call.Argument(1)
		if goja.IsUndefined(dataArg) || goja.IsNull(dataArg) {
			panic(vm.NewTypeError("nats.publish: data is required"))
		}

		var dataBytes []byte
		switch v := dataArg.Export().(type) {
		case string:
			dataBytes = []byte(v)
		case []byte:
			dataBytes = v
		default:
			var err error
			dataBytes, err = json.Marshal(v)
			if err != nil {
				panic(vm.NewTypeError("nats.publish: failed to marshal data: %v", err))
			}
		}

		if err := t.publisher.PublishRaw(subject, dataBytes); err != nil {
			t.logger.Errorf("NATS publish error: %v", err)
			panic(vm.NewGoError(err))
		}
		t.logger.Debugf("Published to NATS subject: %s", subject)
		return goja.Undefined()
	}

	if err := natsObj.Set("publish", publishFn); err != nil {
		return fmt.Errorf("failed to set publish function: %w", err)
	}
	if err := vm.Set("nats", natsObj); err != nil {
		return fmt.Errorf("failed to set nats object: %w", err)
	}
	return nil
}

// ValidateRules validates processor configuration rules
func ValidateRules(cfg *config.ProcessorConfig) error {
	if cfg == nil || !cfg.Enabled {
		return nil
	}

	if cfg.Script != "" {
		if _, err := os.Stat(cfg.Script); os.IsNotExist(err) {
			return fmt.Errorf("JavaScript script file not found: %s", cfg.Script)
		}
	}
	if cfg.Script != "" && len(cfg.Rules) > 0 {
		return fmt.Errorf("cannot specify both 'script' and 'rules' - script takes precedence")
	}

	for i, rule := range cfg.Rules {
		if len(rule.Include) > 0 && len(rule.Exclude) > 0 {
			return fmt.Errorf("processor rule %d: cannot specify both 'include' and 'exclude' fields", i)
		}
		// With an include list, renamed fields must be included
		if len(rule.Rename) > 0 && len(rule.Include) > 0 {
			for oldName := range rule.Rename {
				found := false
				for _, inc := range rule.Include {
					if strings.EqualFold(inc, oldName) {
						found = true
						break
					}
				}
				if !found {
					return fmt.Errorf("processor rule %d: rename key '%s' not found in include list", i, oldName)
				}
			}
		}
	}

	return nil
}
