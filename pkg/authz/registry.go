package authz

const (
	RoleAdmin      = "admin"
	RoleRespondent = "respondent"
)

const (
	ActionRead  = "read"
	ActionAdmin = "admin"
)

const (
	ObjectSurveys   = "survey.surveys"
	ObjectResponses = "survey.responses"
)
