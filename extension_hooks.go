package entitlements

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/goliatone/go-entitlements/core"
	"github.com/goliatone/go-entitlements/webhooks"
)

type WebhookTemplatePack struct {
	Name      string
	Templates []webhooks.ProviderWebhookTemplate
}

type ProjectorPack struct {
	Name       string
	Projectors map[string]core.LifecycleEventHandler
}

type CommandQueryBundleFactory func(service CommandQueryService) (any, error)

type ExtensionHooks struct {
	mu sync.RWMutex

	webhookPacks   map[string]WebhookTemplatePack
	projectorPacks map[string]ProjectorPack
	bundles        map[string]CommandQueryBundleFactory
}

func NewExtensionHooks() *ExtensionHooks {
	return &ExtensionHooks{
		webhookPacks:   map[string]WebhookTemplatePack{},
		projectorPacks: map[string]ProjectorPack{},
		bundles:        map[string]CommandQueryBundleFactory{},
	}
}

func (h *ExtensionHooks) RegisterWebhookPack(pack WebhookTemplatePack) error {
	if h == nil {
		return fmt.Errorf("entitlements: extension hooks are nil")
	}
	name := strings.TrimSpace(pack.Name)
	if name == "" {
		return fmt.Errorf("entitlements: webhook pack name is required")
	}
	if len(pack.Templates) == 0 {
		return fmt.Errorf("entitlements: webhook pack %q has no templates", name)
	}
	for _, template := range pack.Templates {
		if strings.TrimSpace(template.ProviderID) == "" {
			return fmt.Errorf("entitlements: webhook pack %q contains a template without provider id", name)
		}
		if template.Verifier == nil {
			return fmt.Errorf("entitlements: webhook pack %q contains a template without verifier", name)
		}
	}

	normalized := WebhookTemplatePack{
		Name:      name,
		Templates: append([]webhooks.ProviderWebhookTemplate(nil), pack.Templates...),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.webhookPacks[name]; exists {
		return fmt.Errorf("entitlements: webhook pack %q already registered", name)
	}
	h.webhookPacks[name] = normalized
	return nil
}

func (h *ExtensionHooks) RegisterProjectorPack(pack ProjectorPack) error {
	if h == nil {
		return fmt.Errorf("entitlements: extension hooks are nil")
	}
	name := strings.TrimSpace(pack.Name)
	if name == "" {
		return fmt.Errorf("entitlements: projector pack name is required")
	}
	if len(pack.Projectors) == 0 {
		return fmt.Errorf("entitlements: projector pack %q has no projectors", name)
	}

	normalized := ProjectorPack{
		Name:       name,
		Projectors: make(map[string]core.LifecycleEventHandler, len(pack.Projectors)),
	}
	for projectorName, projector := range pack.Projectors {
		projectorName = strings.TrimSpace(projectorName)
		if projectorName == "" {
			return fmt.Errorf("entitlements: projector pack %q contains an unnamed projector", name)
		}
		if projector == nil {
			return fmt.Errorf("entitlements: projector pack %q projector %q is nil", name, projectorName)
		}
		normalized.Projectors[projectorName] = projector
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.projectorPacks[name]; exists {
		return fmt.Errorf("entitlements: projector pack %q already registered", name)
	}
	h.projectorPacks[name] = normalized
	return nil
}

func (h *ExtensionHooks) RegisterCommandQueryBundle(
	name string,
	factory CommandQueryBundleFactory,
) error {
	if h == nil {
		return fmt.Errorf("entitlements: extension hooks are nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("entitlements: command/query bundle name is required")
	}
	if factory == nil {
		return fmt.Errorf("entitlements: command/query bundle %q factory is required", name)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.bundles[name]; exists {
		return fmt.Errorf("entitlements: command/query bundle %q already registered", name)
	}
	h.bundles[name] = factory
	return nil
}

func (h *ExtensionHooks) ApplyProjectorPacks(registry core.ProjectorRegistry) error {
	if h == nil {
		return nil
	}
	if registry == nil {
		return fmt.Errorf("entitlements: projector registry is required")
	}

	for _, pack := range h.ProjectorPacks() {
		names := make([]string, 0, len(pack.Projectors))
		for projectorName := range pack.Projectors {
			names = append(names, projectorName)
		}
		sort.Strings(names)
		for _, projectorName := range names {
			registry.Register(pack.Name+"."+projectorName, pack.Projectors[projectorName])
		}
	}
	return nil
}

func (h *ExtensionHooks) BuildCommandQueryBundles(
	service CommandQueryService,
) (map[string]any, error) {
	if h == nil {
		return map[string]any{}, nil
	}
	if service == nil {
		return nil, fmt.Errorf("entitlements: command/query service is required")
	}

	h.mu.RLock()
	names := make([]string, 0, len(h.bundles))
	for name := range h.bundles {
		names = append(names, name)
	}
	sort.Strings(names)
	factories := make(map[string]CommandQueryBundleFactory, len(h.bundles))
	for name, factory := range h.bundles {
		factories[name] = factory
	}
	h.mu.RUnlock()

	result := make(map[string]any, len(names))
	for _, name := range names {
		bundle, err := factories[name](service)
		if err != nil {
			return nil, err
		}
		result[name] = bundle
	}
	return result, nil
}

func (h *ExtensionHooks) WebhookPacks() []WebhookTemplatePack {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	names := make([]string, 0, len(h.webhookPacks))
	for name := range h.webhookPacks {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]WebhookTemplatePack, 0, len(names))
	for _, name := range names {
		pack := h.webhookPacks[name]
		out = append(out, WebhookTemplatePack{
			Name:      pack.Name,
			Templates: append([]webhooks.ProviderWebhookTemplate(nil), pack.Templates...),
		})
	}
	return out
}

func (h *ExtensionHooks) ProjectorPacks() []ProjectorPack {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	names := make([]string, 0, len(h.projectorPacks))
	for name := range h.projectorPacks {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]ProjectorPack, 0, len(names))
	for _, name := range names {
		pack := h.projectorPacks[name]
		copied := ProjectorPack{
			Name:       pack.Name,
			Projectors: make(map[string]core.LifecycleEventHandler, len(pack.Projectors)),
		}
		for projectorName, projector := range pack.Projectors {
			copied.Projectors[projectorName] = projector
		}
		out = append(out, copied)
	}
	return out
}

// WebhookTemplates returns every registered template for a provider, in pack
// name order.
func (h *ExtensionHooks) WebhookTemplates(providerID string) []webhooks.ProviderWebhookTemplate {
	if h == nil {
		return nil
	}
	providerID = strings.TrimSpace(strings.ToLower(providerID))

	out := []webhooks.ProviderWebhookTemplate{}
	for _, pack := range h.WebhookPacks() {
		for _, template := range pack.Templates {
			if strings.TrimSpace(strings.ToLower(template.ProviderID)) == providerID {
				out = append(out, template)
			}
		}
	}
	return out
}

func (h *ExtensionHooks) BundleNames() []string {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.bundles))
	for name := range h.bundles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
