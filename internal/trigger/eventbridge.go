package trigger

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
)

// EventBridgeAPI is the subset of *eventbridge.Client used by EventBridgeRule.
type EventBridgeAPI interface {
	DescribeRule(ctx context.Context, in *eventbridge.DescribeRuleInput, optFns ...func(*eventbridge.Options)) (*eventbridge.DescribeRuleOutput, error)
	EnableRule(ctx context.Context, in *eventbridge.EnableRuleInput, optFns ...func(*eventbridge.Options)) (*eventbridge.EnableRuleOutput, error)
	DisableRule(ctx context.Context, in *eventbridge.DisableRuleInput, optFns ...func(*eventbridge.Options)) (*eventbridge.DisableRuleOutput, error)
}

// EventBridgeRule is a scheduled EventBridge rule.
type EventBridgeRule struct {
	name   string
	client EventBridgeAPI
}

// NewEventBridgeRule wraps the rule called name.
func NewEventBridgeRule(name string, client EventBridgeAPI) *EventBridgeRule {
	return &EventBridgeRule{name: name, client: client}
}

func (r *EventBridgeRule) Name() string { return r.name }

// Enabled treats every state other than DISABLED as enabled.
func (r *EventBridgeRule) Enabled(ctx context.Context) (bool, error) {
	out, err := r.client.DescribeRule(ctx, &eventbridge.DescribeRuleInput{Name: aws.String(r.name)})
	if err != nil {
		return false, fmt.Errorf("describing rule %s: %w", r.name, err)
	}
	return out.State != types.RuleStateDisabled, nil
}

func (r *EventBridgeRule) Enable(ctx context.Context) error {
	if _, err := r.client.EnableRule(ctx, &eventbridge.EnableRuleInput{Name: aws.String(r.name)}); err != nil {
		return fmt.Errorf("enabling rule %s: %w", r.name, err)
	}
	return nil
}

func (r *EventBridgeRule) Disable(ctx context.Context) error {
	if _, err := r.client.DisableRule(ctx, &eventbridge.DisableRuleInput{Name: aws.String(r.name)}); err != nil {
		return fmt.Errorf("disabling rule %s: %w", r.name, err)
	}
	return nil
}
