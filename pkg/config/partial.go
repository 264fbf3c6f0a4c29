package config

// partial mirrors Config but every field is a pointer (or nil slice),
// so a layer can distinguish "absent" from "explicitly zero". Merge
// semantics (spec §6 rule 4): a nil field in the overlay never resets
// the base's value.
type partial struct {
	WorkspaceDir    *string `toml:"workspace_dir"`
	MainBranch      *string `toml:"main_branch"`
	DefaultTemplate *string `toml:"default_template"`
	StateDB         *string `toml:"state_db"`

	Watch struct {
		Enabled    *bool `toml:"enabled"`
		DebounceMS *int  `toml:"debounce_ms"`
	} `toml:"watch"`

	Hooks struct {
		PostCreate []string `toml:"post_create"`
		PreRemove  []string `toml:"pre_remove"`
		PostMerge  []string `toml:"post_merge"`
	} `toml:"hooks"`

	Session struct {
		AutoCommit  *bool `toml:"auto_commit"`
		MaxSessions *int  `toml:"max_sessions"`
	} `toml:"session"`

	Recovery struct {
		Policy                  *string `toml:"policy"`
		LogRecovered            *bool   `toml:"log_recovered"`
		AutoRecoverCorruptedWAL *bool   `toml:"auto_recover_corrupted_wal"`
		DeleteCorruptedDatabase *bool   `toml:"delete_corrupted_database"`
	} `toml:"recovery"`
}

// applyTo merges p onto base, returning the merged Config. Fields left
// nil in p keep base's value; hook lists are replace-on-presence (an
// omitted list decodes as nil and keeps base, while a present-but-empty
// list decodes as non-nil and still replaces base with an empty list).
func (p partial) applyTo(base Config) Config {
	out := base

	if p.WorkspaceDir != nil {
		out.WorkspaceDir = *p.WorkspaceDir
	}
	if p.MainBranch != nil {
		out.MainBranch = *p.MainBranch
	}
	if p.DefaultTemplate != nil {
		out.DefaultTemplate = *p.DefaultTemplate
	}
	if p.StateDB != nil {
		out.StateDB = *p.StateDB
	}
	if p.Watch.Enabled != nil {
		out.Watch.Enabled = *p.Watch.Enabled
	}
	if p.Watch.DebounceMS != nil {
		out.Watch.DebounceMS = *p.Watch.DebounceMS
	}
	if p.Hooks.PostCreate != nil {
		out.Hooks.PostCreate = p.Hooks.PostCreate
	}
	if p.Hooks.PreRemove != nil {
		out.Hooks.PreRemove = p.Hooks.PreRemove
	}
	if p.Hooks.PostMerge != nil {
		out.Hooks.PostMerge = p.Hooks.PostMerge
	}
	if p.Session.AutoCommit != nil {
		out.Session.AutoCommit = *p.Session.AutoCommit
	}
	if p.Session.MaxSessions != nil {
		out.Session.MaxSessions = *p.Session.MaxSessions
	}
	if p.Recovery.Policy != nil {
		out.Recovery.Policy = *p.Recovery.Policy
	}
	if p.Recovery.LogRecovered != nil {
		out.Recovery.LogRecovered = *p.Recovery.LogRecovered
	}
	if p.Recovery.AutoRecoverCorruptedWAL != nil {
		out.Recovery.AutoRecoverCorruptedWAL = *p.Recovery.AutoRecoverCorruptedWAL
	}
	if p.Recovery.DeleteCorruptedDatabase != nil {
		out.Recovery.DeleteCorruptedDatabase = *p.Recovery.DeleteCorruptedDatabase
	}

	return out
}
