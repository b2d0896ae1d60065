package cloud

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
)

// EC2 error codes that mean the pool has no capacity right now
var capacityErrorCodes = map[string]bool{
	"InsufficientInstanceCapacity": true,
	"SpotMaxPriceTooLow":           true,
	"MaxSpotInstanceCountExceeded": true,
}

// EC2Config holds AWS instance-control configuration
type EC2Config struct {
	Region           string
	LaunchTemplateID string
}

// EC2Control implements InstanceControl against AWS EC2. Replicas launch
// from a shared launch template with per-pool overrides.
type EC2Control struct {
	client *ec2.Client
	cfg    EC2Config
}

// NewEC2Control creates an EC2 instance controller
func NewEC2Control(ctx context.Context, cfg EC2Config) (*EC2Control, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	return &EC2Control{
		client: ec2.NewFromConfig(awsCfg),
		cfg:    cfg,
	}, nil
}

// LaunchReplica requests a spot instance in the target pool
func (c *EC2Control) LaunchReplica(ctx context.Context, req LaunchRequest) (*LaunchResult, error) {
	input := &ec2.RunInstancesInput{
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		InstanceType: ec2types.InstanceType(req.InstanceType),
		LaunchTemplate: &ec2types.LaunchTemplateSpecification{
			LaunchTemplateId: aws.String(c.cfg.LaunchTemplateID),
		},
		Placement: &ec2types.Placement{
			AvailabilityZone: aws.String(req.AvailabilityZone),
		},
		InstanceMarketOptions: &ec2types.InstanceMarketOptionsRequest{
			MarketType: ec2types.MarketTypeSpot,
			SpotOptions: &ec2types.SpotMarketOptions{
				SpotInstanceType:             ec2types.SpotInstanceTypeOneTime,
				InstanceInterruptionBehavior: ec2types.InstanceInterruptionBehaviorTerminate,
			},
		},
		TagSpecifications: []ec2types.TagSpecification{{
			ResourceType: ec2types.ResourceTypeInstance,
			Tags: []ec2types.Tag{
				{Key: aws.String("replica-id"), Value: aws.String(req.ReplicaID)},
				{Key: aws.String("agent-id"), Value: aws.String(req.AgentID)},
				{Key: aws.String("role"), Value: aws.String("standby-replica")},
			},
		}},
	}

	out, err := c.client.RunInstances(ctx, input)
	if err != nil {
		if isCapacityError(err) {
			return nil, fmt.Errorf("launch replica in %s/%s: %w", req.InstanceType, req.AvailabilityZone, ErrInsufficientCapacity)
		}
		return nil, fmt.Errorf("launch replica: %w", err)
	}
	if len(out.Instances) == 0 {
		return nil, errors.New("launch replica: no instance returned")
	}

	instanceID := aws.ToString(out.Instances[0].InstanceId)
	log.Printf("Launched replica instance %s for agent %s in %s", instanceID, req.AgentID, req.AvailabilityZone)

	return &LaunchResult{
		InstanceID: instanceID,
		LaunchedAt: time.Now(),
	}, nil
}

// Promote retags the replica as primary and releases the old instance.
// The point of no return is the termination of the old primary.
func (c *EC2Control) Promote(ctx context.Context, req PromoteRequest) (*PromoteResult, error) {
	_, err := c.client.CreateTags(ctx, &ec2.CreateTagsInput{
		Resources: []string{req.ReplicaInstanceID},
		Tags: []ec2types.Tag{
			{Key: aws.String("role"), Value: aws.String("primary")},
			{Key: aws.String("agent-id"), Value: aws.String(req.AgentID)},
		},
	})
	if err != nil {
		// Old primary still serving: safe to roll back.
		return &PromoteResult{PointOfNoReturn: false}, fmt.Errorf("retag replica %s: %w", req.ReplicaInstanceID, err)
	}

	if req.SourceInstanceID != "" {
		_, err = c.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
			InstanceIds: []string{req.SourceInstanceID},
		})
		if err != nil {
			// The replica is already the primary; the doomed source will
			// be reclaimed by the provider shortly anyway.
			log.Printf("Failed to terminate old primary %s (provider will reclaim it): %v", req.SourceInstanceID, err)
		}
	}

	return &PromoteResult{
		PointOfNoReturn: true,
		PromotedAt:      time.Now(),
	}, nil
}

// SnapshotAndRelaunch images the doomed instance and boots a replacement
// on demand. Slower than promotion but needs no warm replica.
func (c *EC2Control) SnapshotAndRelaunch(ctx context.Context, req RelaunchRequest) (*RelaunchResult, error) {
	image, err := c.client.CreateImage(ctx, &ec2.CreateImageInput{
		InstanceId: aws.String(req.SourceInstanceID),
		Name:       aws.String(fmt.Sprintf("recover-%s-%d", req.AgentID, time.Now().Unix())),
		NoReboot:   aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot instance %s: %w", req.SourceInstanceID, err)
	}

	out, err := c.client.RunInstances(ctx, &ec2.RunInstancesInput{
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		ImageId:      image.ImageId,
		InstanceType: ec2types.InstanceType(req.InstanceType),
		LaunchTemplate: &ec2types.LaunchTemplateSpecification{
			LaunchTemplateId: aws.String(c.cfg.LaunchTemplateID),
		},
		Placement: &ec2types.Placement{
			AvailabilityZone: aws.String(req.AvailabilityZone),
		},
		// On demand: recovery must not depend on spot capacity.
	})
	if err != nil {
		return nil, fmt.Errorf("relaunch from snapshot: %w", err)
	}
	if len(out.Instances) == 0 {
		return nil, errors.New("relaunch from snapshot: no instance returned")
	}

	instanceID := aws.ToString(out.Instances[0].InstanceId)
	log.Printf("Recovered agent %s as instance %s from snapshot %s", req.AgentID, instanceID, aws.ToString(image.ImageId))

	return &RelaunchResult{
		InstanceID:  instanceID,
		SnapshotID:  aws.ToString(image.ImageId),
		RecoveredAt: time.Now(),
	}, nil
}

// SpotPriceHistory fetches the provider's spot price samples for one
// pool since the given time
func (c *EC2Control) SpotPriceHistory(ctx context.Context, instanceType, az string, since time.Time) ([]SpotPrice, error) {
	out, err := c.client.DescribeSpotPriceHistory(ctx, &ec2.DescribeSpotPriceHistoryInput{
		InstanceTypes:       []ec2types.InstanceType{ec2types.InstanceType(instanceType)},
		AvailabilityZone:    aws.String(az),
		ProductDescriptions: []string{"Linux/UNIX"},
		StartTime:           aws.Time(since),
	})
	if err != nil {
		return nil, fmt.Errorf("describe spot price history %s/%s: %w", instanceType, az, err)
	}

	prices := make([]SpotPrice, 0, len(out.SpotPriceHistory))
	for _, sp := range out.SpotPriceHistory {
		price, err := strconv.ParseFloat(aws.ToString(sp.SpotPrice), 64)
		if err != nil {
			continue
		}
		prices = append(prices, SpotPrice{
			InstanceType:     instanceType,
			AvailabilityZone: az,
			Price:            price,
			Timestamp:        aws.ToTime(sp.Timestamp),
		})
	}
	return prices, nil
}

// TerminateInstance releases an instance
func (c *EC2Control) TerminateInstance(ctx context.Context, instanceID string) error {
	_, err := c.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		return fmt.Errorf("terminate instance %s: %w", instanceID, err)
	}
	return nil
}

func isCapacityError(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return capacityErrorCodes[apiErr.ErrorCode()]
	}
	return false
}
