package featureflag

type Flag string

const (
	FlagDisableParticipantJoinBroadcast  Flag = "DISABLE_PARTICIPANT_JOIN_BROADCAST"
	FlagDisableParticipantLeaveBroadcast Flag = "DISABLE_PARTICIPANT_LEAVE_BROADCAST"
	FlagDisableMeshUpdateBroadcast       Flag = "DISABLE_MESH_UPDATE_BROADCAST"
	FlagDisableCompletionPersistence     Flag = "DISABLE_COMPLETION_PERSISTENCE"
)
