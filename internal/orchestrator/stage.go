package orchestrator

// Stage identifies one step of the provisioning pipeline. Stages run
// strictly in order; each is fatal on unrecovered failure.
type Stage int

const (
	StageResolveConfig Stage = iota
	StagePreflight
	StageProvisionSecrets
	StagePersistState
	StageConfigureDependents
	StageSyncCredentials
	StageRenderEnvironment
	StageStartPrimary
	StageAwaitPrimary
	StageEndpointCheck
	StageEmitCredentials
)

var stageNames = map[Stage]string{
	StageResolveConfig:       "resolve-config",
	StagePreflight:           "preflight",
	StageProvisionSecrets:    "provision-secrets",
	StagePersistState:        "persist-state",
	StageConfigureDependents: "configure-dependents",
	StageSyncCredentials:     "sync-credentials",
	StageRenderEnvironment:   "render-environment",
	StageStartPrimary:        "start-primary",
	StageAwaitPrimary:        "await-primary",
	StageEndpointCheck:       "endpoint-check",
	StageEmitCredentials:     "emit-credentials",
}

func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return "unknown"
}

// Stages returns the pipeline in execution order.
func Stages() []Stage {
	return []Stage{
		StageResolveConfig,
		StagePreflight,
		StageProvisionSecrets,
		StagePersistState,
		StageConfigureDependents,
		StageSyncCredentials,
		StageRenderEnvironment,
		StageStartPrimary,
		StageAwaitPrimary,
		StageEndpointCheck,
		StageEmitCredentials,
	}
}
