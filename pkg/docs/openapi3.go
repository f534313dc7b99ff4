package docs

import (
	"github.com/getkin/kin-openapi/openapi3"
	"github.com/gridauth/proxyvault/pkg/config"
)

func NewOpenAPI3(config config.Config) openapi3.T {

	arrayOf := func(items *openapi3.SchemaRef) *openapi3.SchemaRef {
		return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: "array", Items: items}}
	}

	openapiSpec := openapi3.T{
		OpenAPI: "3.0.0",
		Info: &openapi3.Info{
			Title:       "Proxyvault Administration API",
			Description: "REST API used for inspecting and pruning stored proxy credentials",
			Version:     "0.0.0",
			Contact: &openapi3.Contact{
				URL: "https://github.com/gridauth",
			},
		},
		Servers: openapi3.Servers{
			&openapi3.Server{
				Description: "Current Server",
				URL:         "/",
			},
		},
	}

	openapiSpec.Components.Schemas = openapi3.Schemas{
		"CredentialInfo": openapi3.NewSchemaRef("",
			openapi3.NewObjectSchema().
				WithProperty("name", openapi3.NewStringSchema()).
				WithProperty("owner", openapi3.NewStringSchema()).
				WithProperty("description", openapi3.NewStringSchema()).
				WithProperty("start_time", openapi3.NewInt64Schema()).
				WithProperty("end_time", openapi3.NewInt64Schema()),
		),
	}

	openapiSpec.Components.Responses = openapi3.Responses{
		"ErrorResponse": &openapi3.ResponseRef{
			Value: openapi3.NewResponse().
				WithDescription("Response when errors happen.").
				WithContent(openapi3.NewContentWithJSONSchema(openapi3.NewSchema().
					WithProperty("error", openapi3.NewStringSchema()))),
		},
		"HealthResponse": &openapi3.ResponseRef{
			Value: openapi3.NewResponse().
				WithDescription("Response returned back after healthchecking.").
				WithContent(openapi3.NewContentWithJSONSchema(openapi3.NewSchema().
					WithProperty("healthy", openapi3.NewBoolSchema())),
				),
		},
		"GetCredentialsResponse": &openapi3.ResponseRef{
			Value: openapi3.NewResponse().
				WithDescription("Response returned back after listing a user's credentials.").
				WithContent(openapi3.NewContentWithJSONSchema(openapi3.NewSchema().
					WithPropertyRef("credentials", arrayOf(&openapi3.SchemaRef{
						Ref: "#/components/schemas/CredentialInfo",
					}))),
				),
		},
		"DeleteCredentialResponse": &openapi3.ResponseRef{
			Value: openapi3.NewResponse().
				WithDescription("Response returned back after removing a credential.").
				WithContent(openapi3.NewContentWithJSONSchema(openapi3.NewSchema())),
		},
	}

	openapiSpec.Paths = openapi3.Paths{
		"/v1/health": &openapi3.PathItem{
			Get: &openapi3.Operation{
				OperationID: "Health",
				Description: "Get health status",
				Responses: openapi3.Responses{
					"200": &openapi3.ResponseRef{
						Ref: "#/components/responses/HealthResponse",
					},
				},
			},
		},
		"/v1/credentials/{username}": &openapi3.PathItem{
			Get: &openapi3.Operation{
				OperationID: "GetCredentials",
				Description: "List the credentials stored under a username for a given owner",
				Parameters: []*openapi3.ParameterRef{
					{
						Value: openapi3.NewPathParameter("username").
							WithSchema(openapi3.NewStringSchema()),
					},
					{
						Value: openapi3.NewQueryParameter("owner").
							WithSchema(openapi3.NewStringSchema()),
					},
				},
				Responses: openapi3.Responses{
					"400": &openapi3.ResponseRef{
						Ref: "#/components/responses/ErrorResponse",
					},
					"401": &openapi3.ResponseRef{
						Ref: "#/components/responses/ErrorResponse",
					},
					"404": &openapi3.ResponseRef{
						Ref: "#/components/responses/ErrorResponse",
					},
					"500": &openapi3.ResponseRef{
						Ref: "#/components/responses/ErrorResponse",
					},
					"200": &openapi3.ResponseRef{
						Ref: "#/components/responses/GetCredentialsResponse",
					},
				},
			},
			Delete: &openapi3.Operation{
				OperationID: "DeleteCredential",
				Description: "Remove a stored credential",
				Parameters: []*openapi3.ParameterRef{
					{
						Value: openapi3.NewPathParameter("username").
							WithSchema(openapi3.NewStringSchema()),
					},
					{
						Value: openapi3.NewQueryParameter("credname").
							WithSchema(openapi3.NewStringSchema()),
					},
				},
				Responses: openapi3.Responses{
					"400": &openapi3.ResponseRef{
						Ref: "#/components/responses/ErrorResponse",
					},
					"401": &openapi3.ResponseRef{
						Ref: "#/components/responses/ErrorResponse",
					},
					"404": &openapi3.ResponseRef{
						Ref: "#/components/responses/ErrorResponse",
					},
					"500": &openapi3.ResponseRef{
						Ref: "#/components/responses/ErrorResponse",
					},
					"200": &openapi3.ResponseRef{
						Ref: "#/components/responses/DeleteCredentialResponse",
					},
				},
			},
		},
	}

	return openapiSpec
}
