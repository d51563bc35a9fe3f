package contracts

// Built-in contracts ship with the binary so the gateway is usable without a
// contracts directory. YAML files in CONTRACTS_DIR override these per
// (resource, role).

func casesContract() Contract {
	return Contract{
		Version:    "1.0.0",
		Resource:   "cases",
		PrimaryKey: "case_id",
		OpsAllowed: []Operation{OpRead, OpInsert, OpUpdate},
		Fields: []Field{
			{Name: "case_id", Type: TypeUUID, Nullable: false, Readable: true, Writable: false},
			{Name: "client_name", Type: TypeString, Nullable: false, PII: true, Readable: true, Writable: true},
			{Name: "client_email", Type: TypeString, Nullable: false, PII: true, Readable: true, Writable: true},
			{Name: "client_phone", Type: TypeString, Nullable: true, PII: true, Readable: true, Writable: true},
			{Name: "status", Type: TypeString, Nullable: false, Readable: true, Writable: true, Enum: []string{"OPEN", "IN_REVIEW", "CLOSED"}},
			{Name: "created_at", Type: TypeTimestamp, Nullable: false, Readable: true, Writable: false},
		},
		FiltersAllowed: map[string][]Operator{
			"case_id":      {OpEQ},
			"client_name":  {OpEQ, OpLIKE, OpILIKE},
			"client_email": {OpEQ, OpLIKE, OpILIKE},
			"client_phone": {OpEQ, OpLIKE},
			"status":       {OpEQ, OpIN},
			"created_at":   {OpEQ, OpGT, OpGTE, OpLT, OpLTE, OpBETWEEN},
		},
		OrderAllowed: []string{"created_at", "client_name", "status"},
		Limits:       Limits{MaxRows: 100, MaxPredicates: 10, MaxUpdateFields: 5, MaxJoins: 1},
		JoinsAllowed: []Join{
			{
				TargetResource: "client_communications",
				On:             []JoinOn{{LeftField: "case_id", RightField: "case_id"}},
				Type:           "inner",
			},
		},
	}
}

func clientCommunicationsContract() Contract {
	return Contract{
		Version:    "1.0.0",
		Resource:   "client_communications",
		PrimaryKey: "communication_id",
		OpsAllowed: []Operation{OpRead, OpInsert, OpUpdate},
		Fields: []Field{
			{Name: "communication_id", Type: TypeUUID, Nullable: false, Readable: true, Writable: false},
			{Name: "case_id", Type: TypeUUID, Nullable: false, Readable: true, Writable: true},
			{Name: "channel", Type: TypeString, Nullable: false, Readable: true, Writable: true, Enum: []string{"email", "sms"}},
			{Name: "direction", Type: TypeString, Nullable: false, Readable: true, Writable: true, Enum: []string{"incoming", "outgoing"}},
			{Name: "status", Type: TypeString, Nullable: false, Readable: true, Writable: true, Enum: []string{"sent", "delivered", "failed", "opened"}},
			{Name: "sender", Type: TypeString, Nullable: false, PII: true, Readable: true, Writable: true},
			{Name: "recipient", Type: TypeString, Nullable: false, PII: true, Readable: true, Writable: true},
			{Name: "subject", Type: TypeString, Nullable: true, Readable: true, Writable: true},
			{Name: "message_content", Type: TypeText, Nullable: true, PII: true, Readable: true, Writable: true},
			{Name: "created_at", Type: TypeTimestamp, Nullable: false, Readable: true, Writable: false},
			{Name: "sent_at", Type: TypeTimestamp, Nullable: true, Readable: true, Writable: true},
			{Name: "opened_at", Type: TypeTimestamp, Nullable: true, Readable: true, Writable: true},
			{Name: "resend_id", Type: TypeString, Nullable: true, Readable: true, Writable: true},
		},
		FiltersAllowed: map[string][]Operator{
			"communication_id": {OpEQ},
			"case_id":          {OpEQ, OpIN},
			"channel":          {OpEQ, OpIN},
			"direction":        {OpEQ, OpIN},
			"status":           {OpEQ, OpIN},
			"sender":           {OpEQ, OpLIKE, OpILIKE},
			"recipient":        {OpEQ, OpLIKE, OpILIKE},
			"subject":          {OpLIKE, OpILIKE},
			"created_at":       {OpEQ, OpGT, OpGTE, OpLT, OpLTE, OpBETWEEN},
			"sent_at":          {OpEQ, OpGT, OpGTE, OpLT, OpLTE, OpBETWEEN},
		},
		OrderAllowed: []string{"created_at", "sent_at", "channel", "direction", "status"},
		Limits:       Limits{MaxRows: 100, MaxPredicates: 10, MaxUpdateFields: 8, MaxJoins: 1},
		JoinsAllowed: []Join{
			{
				TargetResource: "cases",
				On:             []JoinOn{{LeftField: "case_id", RightField: "case_id"}},
				Type:           "inner",
			},
		},
	}
}

func documentsContract() Contract {
	return Contract{
		Version:    "1.0.0",
		Resource:   "documents",
		PrimaryKey: "document_id",
		OpsAllowed: []Operation{OpRead, OpInsert, OpUpdate},
		Fields: []Field{
			{Name: "document_id", Type: TypeUUID, Nullable: false, Readable: true, Writable: false},
			{Name: "case_id", Type: TypeUUID, Nullable: false, Readable: true, Writable: true},
			{Name: "original_file_name", Type: TypeString, Nullable: false, Readable: true, Writable: true},
			{Name: "original_file_size", Type: TypeInteger, Nullable: false, Readable: true, Writable: true},
			{Name: "original_file_type", Type: TypeString, Nullable: false, Readable: true, Writable: true},
			{Name: "original_s3_location", Type: TypeString, Nullable: false, Readable: true, Writable: true},
			{Name: "original_s3_key", Type: TypeString, Nullable: false, Readable: true, Writable: true},
			{Name: "status", Type: TypeString, Nullable: false, Readable: true, Writable: true, Enum: []string{"PENDING", "PROCESSING", "COMPLETED", "FAILED"}},
			{Name: "created_at", Type: TypeTimestamp, Nullable: false, Readable: true, Writable: false},
			{Name: "processed_file_name", Type: TypeString, Nullable: true, Readable: true, Writable: true},
			{Name: "processed_file_size", Type: TypeInteger, Nullable: true, Readable: true, Writable: true},
			{Name: "processed_s3_location", Type: TypeString, Nullable: true, Readable: true, Writable: true},
			{Name: "processed_s3_key", Type: TypeString, Nullable: true, Readable: true, Writable: true},
			{Name: "batch_id", Type: TypeString, Nullable: true, Readable: true, Writable: true},
		},
		FiltersAllowed: map[string][]Operator{
			"document_id":        {OpEQ},
			"case_id":            {OpEQ, OpIN},
			"original_file_name": {OpEQ, OpLIKE, OpILIKE},
			"original_file_type": {OpEQ, OpIN},
			"status":             {OpEQ, OpIN},
			"created_at":         {OpEQ, OpGT, OpGTE, OpLT, OpLTE, OpBETWEEN},
			"original_file_size": {OpGT, OpLTE},
			"batch_id":           {OpEQ},
		},
		OrderAllowed: []string{"created_at", "original_file_name", "status", "original_file_size"},
		Limits:       Limits{MaxRows: 100, MaxPredicates: 10, MaxUpdateFields: 8, MaxJoins: 1},
	}
}

func documentAnalysisContract() Contract {
	return Contract{
		Version:    "1.0.0",
		Resource:   "document_analysis",
		PrimaryKey: "analysis_id",
		OpsAllowed: []Operation{OpRead, OpInsert, OpUpdate},
		Fields: []Field{
			{Name: "analysis_id", Type: TypeUUID, Nullable: false, Readable: true, Writable: false},
			{Name: "document_id", Type: TypeUUID, Nullable: false, Readable: true, Writable: true},
			{Name: "case_id", Type: TypeUUID, Nullable: false, Readable: true, Writable: true},
			{Name: "analysis_content", Type: TypeText, Nullable: false, PII: true, Readable: true, Writable: true},
			{Name: "analysis_status", Type: TypeString, Nullable: false, Readable: true, Writable: true, Enum: []string{"PENDING", "PROCESSING", "COMPLETED", "FAILED"}},
			{Name: "model_used", Type: TypeString, Nullable: false, Readable: true, Writable: true},
			{Name: "tokens_used", Type: TypeInteger, Nullable: true, Readable: true, Writable: true},
			{Name: "analyzed_at", Type: TypeTimestamp, Nullable: false, Readable: true, Writable: true},
			{Name: "created_at", Type: TypeTimestamp, Nullable: false, Readable: true, Writable: false},
			{Name: "analysis_reasoning", Type: TypeText, Nullable: true, PII: true, Readable: true, Writable: true},
			{Name: "context_summary_created", Type: TypeBoolean, Nullable: false, Readable: true, Writable: true},
		},
		FiltersAllowed: map[string][]Operator{
			"analysis_id":             {OpEQ},
			"document_id":             {OpEQ, OpIN},
			"case_id":                 {OpEQ, OpIN},
			"analysis_status":         {OpEQ, OpIN},
			"model_used":              {OpEQ},
			"analyzed_at":             {OpEQ, OpGT, OpGTE, OpLT, OpLTE, OpBETWEEN},
			"created_at":              {OpEQ, OpGT, OpGTE, OpLT, OpLTE, OpBETWEEN},
			"context_summary_created": {OpEQ},
		},
		OrderAllowed: []string{"analyzed_at", "created_at", "analysis_status"},
		Limits:       Limits{MaxRows: 50, MaxPredicates: 8, MaxUpdateFields: 6, MaxJoins: 1},
	}
}

func builtinContracts() []Contract {
	return []Contract{
		casesContract(),
		clientCommunicationsContract(),
		documentsContract(),
		documentAnalysisContract(),
	}
}

// builtinRoleScopes confines the scoped agent roles to the resources they
// may touch at all. manager_agent and admin carry no scope entry and see
// every resource through the default contracts.
func builtinRoleScopes() map[string][]string {
	return map[string][]string{
		"communications_agent": {"cases", "client_communications"},
		"analysis_agent":       {"cases", "document_analysis"},
	}
}

// builtinRoleOverlays narrows the default contracts per agent role. A role
// with no overlay for a resource it can access falls back to the default
// entry; resources outside the role's scope are invisible to it.
func builtinRoleOverlays() map[string][]Contract {
	// communications_agent: client phone numbers are hidden.
	commCases := casesContract()
	for i := range commCases.Fields {
		if commCases.Fields[i].Name == "client_phone" {
			commCases.Fields[i].Readable = false
			commCases.Fields[i].Writable = false
		}
	}
	delete(commCases.FiltersAllowed, "client_phone")

	// analysis_agent: cases are read-only and all client PII is hidden.
	analysisCases := casesContract()
	analysisCases.OpsAllowed = []Operation{OpRead}
	for i := range analysisCases.Fields {
		if analysisCases.Fields[i].PII {
			analysisCases.Fields[i].Readable = false
			analysisCases.Fields[i].Writable = false
		}
	}
	delete(analysisCases.FiltersAllowed, "client_name")
	delete(analysisCases.FiltersAllowed, "client_email")
	delete(analysisCases.FiltersAllowed, "client_phone")

	// analysis_agent: no updates to finished analysis rows.
	analysisDA := documentAnalysisContract()
	analysisDA.OpsAllowed = []Operation{OpRead, OpInsert}

	return map[string][]Contract{
		"communications_agent": {commCases},
		"analysis_agent":       {analysisCases, analysisDA},
	}
}
