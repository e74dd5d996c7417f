// Package policy provides an Open Policy Agent (OPA) gate that sits
// between a rendered plan and Apply.
//
// It evaluates Rego policies against a pipeline.Plan's changes — a
// URN, provider, change kind, and affected field paths per entry — and
// returns a PolicyResult the caller can use to block Apply when a
// violation carries error or critical severity. Built-in policies cover
// naming conventions, destructive operations in production, blast
// radius, and plaintext credential exposure; additional policies can be
// loaded from Rego files or watched for hot reload.
//
// # Usage
//
//	logger := zerolog.New(os.Stdout)
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	result, err := eng.EvaluatePlan(ctx, plan, policy.PolicyContext{
//	    Environment: "production",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if !result.Allowed {
//	    for _, v := range result.Violations {
//	        fmt.Printf("policy %s violated: %s\n", v.Policy, v.Message)
//	    }
//	}
//
// # Built-in policies
//
//  1. resource-naming — enforces naming conventions on a URN's resource segment
//  2. destructive-operations — blocks deletes in production outside a dry run
//  3. blast-radius — warns when a plan deletes more than a handful of resources
//  4. sensitive-path-exposure — flags field paths that look like credentials
//
// # Hot reload
//
// The loader supports watching policy files for changes and reloading
// automatically:
//
//	loader := policy.NewLoader(logger)
//	err = loader.Watch(ctx, paths, func(policies []policy.Policy) error {
//	    return eng.LoadPolicies(ctx, paths)
//	})
package policy
