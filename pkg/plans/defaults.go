package plans

// DefaultPlanName is the plan new tenants are provisioned onto for their trial.
const DefaultPlanName = "starter"

// DefaultPlans returns the seed catalog for a fresh deployment.
func DefaultPlans() []CreatePlanRequest {
	return []CreatePlanRequest{
		{
			Name:             DefaultPlanName,
			MonthlyCents:     0,
			YearlyCents:      0,
			DocumentLimit:    10,
			WebsiteLimit:     1,
			DailyChatLimit:   30,
			MonthlyChatLimit: 300,
		},
		{
			Name:             "growth",
			MonthlyCents:     4900, // $49/month
			YearlyCents:      49000,
			DocumentLimit:    200,
			WebsiteLimit:     10,
			DailyChatLimit:   500,
			MonthlyChatLimit: 10000,
		},
		{
			Name:             "scale",
			MonthlyCents:     19900, // $199/month
			YearlyCents:      199000,
			DocumentLimit:    Unlimited,
			WebsiteLimit:     Unlimited,
			DailyChatLimit:   Unlimited,
			MonthlyChatLimit: Unlimited,
		},
	}
}
