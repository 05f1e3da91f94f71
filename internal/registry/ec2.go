package registry

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

// EC2API is the subset of *ec2.Client used by EC2.
type EC2API interface {
	DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, opts ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
}

// EC2 lists instances from the EC2 API, reading Name, Service, Mode and
// Version from instance tags.
type EC2 struct {
	Client EC2API
}

// NewEC2 builds a registry from an AWS config.
func NewEC2(cfg aws.Config) *EC2 {
	return &EC2{Client: ec2.NewFromConfig(cfg)}
}

func (r *EC2) Instances(ctx context.Context) ([]Instance, error) {
	return r.describe(ctx, &ec2.DescribeInstancesInput{})
}

// Instance returns a single instance by ID.
func (r *EC2) Instance(ctx context.Context, id string) (Instance, error) {
	list, err := r.describe(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{id}})
	if err != nil {
		return Instance{}, err
	}
	if len(list) == 0 {
		return Instance{}, fmt.Errorf("instance %s not found", id)
	}
	return list[0], nil
}

func (r *EC2) describe(ctx context.Context, in *ec2.DescribeInstancesInput) ([]Instance, error) {
	var out []Instance
	p := ec2.NewDescribeInstancesPaginator(r.Client, in)
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("describing instances: %w", err)
		}
		for _, res := range page.Reservations {
			for _, inst := range res.Instances {
				out = append(out, fromEC2(inst))
			}
		}
	}
	return out, nil
}

func fromEC2(inst types.Instance) Instance {
	tags := make(map[string]string, len(inst.Tags))
	for _, t := range inst.Tags {
		tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}

	i := Instance{
		ID:      aws.ToString(inst.InstanceId),
		Name:    tags["Name"],
		Service: tags["Service"],
		Mode:    tags["Mode"],
		Version: tags["Version"],
		Type:    string(inst.InstanceType),
		Address: aws.ToString(inst.PublicIpAddress),
	}
	if i.Mode == "" {
		i.Mode = DefaultMode
	}
	if i.Address == "" {
		i.Address = aws.ToString(inst.PrivateIpAddress)
	}
	if inst.State != nil {
		i.State = string(inst.State.Name)
	}
	return i
}

// MetadataAPI is the subset of *imds.Client used to identify this host.
type MetadataAPI interface {
	GetMetadata(ctx context.Context, in *imds.GetMetadataInput, opts ...func(*imds.Options)) (*imds.GetMetadataOutput, error)
}

// Self identifies the instance the process is running on.
func Self(ctx context.Context, md MetadataAPI, r *EC2) (Instance, error) {
	out, err := md.GetMetadata(ctx, &imds.GetMetadataInput{Path: "instance-id"})
	if err != nil {
		return Instance{}, fmt.Errorf("reading instance id from metadata service: %w", err)
	}
	defer out.Content.Close()
	raw, err := io.ReadAll(out.Content)
	if err != nil {
		return Instance{}, fmt.Errorf("reading instance id from metadata service: %w", err)
	}
	return r.Instance(ctx, strings.TrimSpace(string(raw)))
}
