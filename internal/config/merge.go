package config

import "fmt"

// Merge combines two configs where overlay takes precedence over base.
// This implements the hierarchical merge semantics:
//   - version: must agree if both declare it (non-zero); fatal error on mismatch
//   - scalar fields: a value set in overlay replaces the base value
//   - registry hosts: merge by name, same name in overlay replaces base entry entirely
//
// Changing store.type in overlay drops the base store settings, since a
// bucket and a directory path do not combine.
func Merge(base, overlay *Config) (*Config, error) {
	if base == nil {
		return overlay, nil
	}
	if overlay == nil {
		return base, nil
	}

	result := &Config{}

	if err := mergeVersion(base.Version, overlay.Version, &result.Version); err != nil {
		return nil, err
	}

	if overlay.Store.Type != "" && overlay.Store.Type != base.Store.Type {
		result.Store = overlay.Store
	} else {
		result.Store = StoreConfig{
			Type:   pick(base.Store.Type, overlay.Store.Type),
			Bucket: pick(base.Store.Bucket, overlay.Store.Bucket),
			Region: pick(base.Store.Region, overlay.Store.Region),
			Prefix: pick(base.Store.Prefix, overlay.Store.Prefix),
			Path:   pick(base.Store.Path, overlay.Store.Path),
		}
	}

	result.Paths = PathsConfig{
		Work:    pick(base.Paths.Work, overlay.Paths.Work),
		Run:     pick(base.Paths.Run, overlay.Paths.Run),
		Holding: pick(base.Paths.Holding, overlay.Paths.Holding),
		LockDir: pick(base.Paths.LockDir, overlay.Paths.LockDir),
	}

	result.Retention = RetentionConfig{
		Active:  pick(base.Retention.Active, overlay.Retention.Active),
		Holding: pick(base.Retention.Holding, overlay.Retention.Holding),
	}

	result.Service.Control = pick(base.Service.Control, overlay.Service.Control)

	result.Health = HealthConfig{
		URL:      pick(base.Health.URL, overlay.Health.URL),
		Timeout:  pick(base.Health.Timeout, overlay.Health.Timeout),
		Interval: pick(base.Health.Interval, overlay.Health.Interval),
		Progress: pick(base.Health.Progress, overlay.Health.Progress),

		AttemptTimeout: pick(base.Health.AttemptTimeout, overlay.Health.AttemptTimeout),
	}

	result.Notify.Slack = SlackConfig{
		WebhookURL: pick(base.Notify.Slack.WebhookURL, overlay.Notify.Slack.WebhookURL),
		Channel:    pick(base.Notify.Slack.Channel, overlay.Notify.Slack.Channel),
		Username:   pick(base.Notify.Slack.Username, overlay.Notify.Slack.Username),
		IconEmoji:  pick(base.Notify.Slack.IconEmoji, overlay.Notify.Slack.IconEmoji),
	}

	result.SSH = SSHConfig{
		User:       pick(base.SSH.User, overlay.SSH.User),
		Port:       pick(base.SSH.Port, overlay.SSH.Port),
		KeyFile:    pick(base.SSH.KeyFile, overlay.SSH.KeyFile),
		KnownHosts: pick(base.SSH.KnownHosts, overlay.SSH.KnownHosts),
		Command:    pick(base.SSH.Command, overlay.SSH.Command),
	}

	result.Upload = UploadConfig{
		Workers:    pick(base.Upload.Workers, overlay.Upload.Workers),
		Retries:    pick(base.Upload.Retries, overlay.Upload.Retries),
		RetryDelay: pick(base.Upload.RetryDelay, overlay.Upload.RetryDelay),
	}

	result.Registry = RegistryConfig{
		Type:   pick(base.Registry.Type, overlay.Registry.Type),
		Region: pick(base.Registry.Region, overlay.Registry.Region),
		Hosts:  mergeNamedHosts(base.Registry.Hosts, overlay.Registry.Hosts),
	}

	return result, nil
}

// MergeAll merges multiple configs in order (lowest precedence first).
// Returns an error if any version mismatch is found.
func MergeAll(configs []*Config) (*Config, error) {
	if len(configs) == 0 {
		return nil, fmt.Errorf("no configs to merge")
	}

	result := configs[0]
	for i := 1; i < len(configs); i++ {
		var err error
		result, err = Merge(result, configs[i])
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}

func mergeVersion(base, overlay int, out *int) error {
	switch {
	case base == 0 && overlay == 0:
		*out = 0 // neither declares; defaults fill it in
	case base == 0:
		*out = overlay
	case overlay == 0:
		*out = base
	case base == overlay:
		*out = base
	default:
		return fmt.Errorf("config version mismatch: one layer declares version %d, another declares version %d; all config layers must agree on version", base, overlay)
	}
	return nil
}

// pick returns overlay unless it is the zero value.
func pick[T comparable](base, overlay T) T {
	var zero T
	if overlay != zero {
		return overlay
	}
	return base
}

func mergeNamedHosts(base, overlay []Host) []Host {
	if len(base) == 0 {
		return overlay
	}
	if len(overlay) == 0 {
		return base
	}

	overlayNames := make(map[string]bool, len(overlay))
	for _, h := range overlay {
		overlayNames[h.Name] = true
	}

	var result []Host
	for _, h := range base {
		if !overlayNames[h.Name] {
			result = append(result, h)
		}
	}

	result = append(result, overlay...)

	return result
}
