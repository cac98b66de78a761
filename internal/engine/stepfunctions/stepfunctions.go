// Package stepfunctions implements engine.Client on AWS Step Functions.
package stepfunctions

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	"github.com/aws/aws-sdk-go-v2/service/sfn/types"
	"github.com/google/uuid"

	"github.com/matthewmarion/workflow-service/internal/engine"
)

// API is the subset of *sfn.Client used here.
type API interface {
	DescribeExecution(ctx context.Context, in *sfn.DescribeExecutionInput, optFns ...func(*sfn.Options)) (*sfn.DescribeExecutionOutput, error)
	DescribeStateMachineForExecution(ctx context.Context, in *sfn.DescribeStateMachineForExecutionInput, optFns ...func(*sfn.Options)) (*sfn.DescribeStateMachineForExecutionOutput, error)
	GetExecutionHistory(ctx context.Context, in *sfn.GetExecutionHistoryInput, optFns ...func(*sfn.Options)) (*sfn.GetExecutionHistoryOutput, error)
	StartExecution(ctx context.Context, in *sfn.StartExecutionInput, optFns ...func(*sfn.Options)) (*sfn.StartExecutionOutput, error)
	StopExecution(ctx context.Context, in *sfn.StopExecutionInput, optFns ...func(*sfn.Options)) (*sfn.StopExecutionOutput, error)
	SendTaskSuccess(ctx context.Context, in *sfn.SendTaskSuccessInput, optFns ...func(*sfn.Options)) (*sfn.SendTaskSuccessOutput, error)
	SendTaskFailure(ctx context.Context, in *sfn.SendTaskFailureInput, optFns ...func(*sfn.Options)) (*sfn.SendTaskFailureOutput, error)
}

const historyPageSize = 1000

// Client is an engine.Client backed by Step Functions. Execution handles
// are execution ARNs and definition references are state machine ARNs.
type Client struct {
	api API
}

// New wraps api.
func New(api API) *Client {
	return &Client{api: api}
}

// NewFromConfig builds the Step Functions client from an AWS config.
// endpoint overrides the service endpoint, for local emulators.
func NewFromConfig(cfg aws.Config, endpoint string) *Client {
	return New(sfn.NewFromConfig(cfg, func(o *sfn.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}))
}

func (c *Client) DescribeExecution(ctx context.Context, handle string) (*engine.Execution, error) {
	out, err := c.api.DescribeExecution(ctx, &sfn.DescribeExecutionInput{ExecutionArn: aws.String(handle)})
	if err != nil {
		return nil, mapError(handle, err)
	}
	return &engine.Execution{
		Handle: handle,
		Status: engine.ParseStatus(string(out.Status)),
		Output: aws.ToString(out.Output),
	}, nil
}

func (c *Client) DescribeDefinition(ctx context.Context, handle string) (*engine.Definition, error) {
	out, err := c.api.DescribeStateMachineForExecution(ctx, &sfn.DescribeStateMachineForExecutionInput{ExecutionArn: aws.String(handle)})
	if err != nil {
		return nil, mapError(handle, err)
	}
	return &engine.Definition{
		Name:       aws.ToString(out.Name),
		Definition: aws.ToString(out.Definition),
	}, nil
}

func (c *Client) ListHistory(ctx context.Context, handle, pageToken string) (*engine.HistoryPage, error) {
	in := &sfn.GetExecutionHistoryInput{
		ExecutionArn:         aws.String(handle),
		MaxResults:           historyPageSize,
		IncludeExecutionData: aws.Bool(true),
	}
	if pageToken != "" {
		in.NextToken = aws.String(pageToken)
	}
	out, err := c.api.GetExecutionHistory(ctx, in)
	if err != nil {
		return nil, mapError(handle, err)
	}

	page := &engine.HistoryPage{NextToken: aws.ToString(out.NextToken)}
	for _, ev := range out.Events {
		page.Events = append(page.Events, convertEvent(ev))
	}
	return page, nil
}

func convertEvent(ev types.HistoryEvent) engine.HistoryEvent {
	out := engine.HistoryEvent{ID: ev.Id, Type: string(ev.Type)}
	if d := ev.StateExitedEventDetails; d != nil {
		out.StateName = aws.ToString(d.Name)
	}
	if d := ev.StateEnteredEventDetails; d != nil {
		out.StateName = aws.ToString(d.Name)
	}
	if d := ev.ExecutionFailedEventDetails; d != nil {
		out.Failure = &engine.Failure{Error: aws.ToString(d.Error), Cause: aws.ToString(d.Cause)}
	}
	return out
}

func (c *Client) Start(ctx context.Context, definitionRef string, input []byte) (string, error) {
	out, err := c.api.StartExecution(ctx, &sfn.StartExecutionInput{
		StateMachineArn: aws.String(definitionRef),
		Name:            aws.String(uuid.NewString()),
		Input:           aws.String(string(input)),
	})
	if err != nil {
		return "", fmt.Errorf("starting execution of %s: %w", definitionRef, err)
	}
	return aws.ToString(out.ExecutionArn), nil
}

func (c *Client) Stop(ctx context.Context, handle string) error {
	if _, err := c.api.StopExecution(ctx, &sfn.StopExecutionInput{ExecutionArn: aws.String(handle)}); err != nil {
		return mapError(handle, err)
	}
	return nil
}

func (c *Client) SendTaskSuccess(ctx context.Context, taskToken string, output []byte) error {
	_, err := c.api.SendTaskSuccess(ctx, &sfn.SendTaskSuccessInput{
		TaskToken: aws.String(taskToken),
		Output:    aws.String(string(output)),
	})
	if err != nil {
		return fmt.Errorf("sending task success: %w", err)
	}
	return nil
}

func (c *Client) SendTaskFailure(ctx context.Context, taskToken, errorTag, cause string) error {
	_, err := c.api.SendTaskFailure(ctx, &sfn.SendTaskFailureInput{
		TaskToken: aws.String(taskToken),
		Error:     aws.String(errorTag),
		Cause:     aws.String(cause),
	})
	if err != nil {
		return fmt.Errorf("sending task failure: %w", err)
	}
	return nil
}

func mapError(handle string, err error) error {
	var notFound *types.ExecutionDoesNotExist
	if errors.As(err, &notFound) {
		return fmt.Errorf("%w: %s", engine.ErrExecutionNotFound, handle)
	}
	return fmt.Errorf("execution %s: %w", handle, err)
}

var _ engine.Client = (*Client)(nil)
