package engine

// OverviewSections is the fixed structure of a topic review.
var OverviewSections = []string{
	"Introduction",
	"Theoretical Foundations",
	"Methodological Approaches",
	"Key Findings & Debates",
	"Emerging Trends",
	"Research Gaps & Future Directions",
}

// ProfileSections is the fixed structure of a researcher profile.
var ProfileSections = []string{
	"Academic Gene Map",
	"Research Evolution Path",
	"Core Contribution Cube",
	"Academic Influence Network",
	"Future Potential Prediction",
}

var overviewOutlines = map[string]string{
	"Introduction":                      "Background & Problem Definition",
	"Theoretical Foundations":           "Core Theory Evolution",
	"Methodological Approaches":         "Methodology Landscape",
	"Key Findings & Debates":            "Core Discoveries & Academic Controversies",
	"Emerging Trends":                   "Frontier Analysis",
	"Research Gaps & Future Directions": "Prediction of Unexplored Areas",
}

var profileOutlines = map[string]string{
	"Academic Gene Map":           "Research identity, core themes and intellectual lineage",
	"Research Evolution Path":     "How the research agenda developed over time",
	"Core Contribution Cube":      "Principal findings and methodological contributions",
	"Academic Influence Network":  "Collaborations, citations and field impact",
	"Future Potential Prediction": "Likely directions and open opportunities",
}

const structurePrompt = `You are an academic research assistant tasked with planning a comprehensive literature review on a specific topic.

Generate appropriate search queries for each section of the literature review structure below. The goal is to retrieve relevant academic content from our knowledge base for each section.

Research Topic: %s

For each section, please provide:
1. A focused search query that will help retrieve the most relevant content from our academic database
2. Analyze the research topic whether it has condition requirements (time period, specific keywords, impact factor, etc.)
   - a time period requirement becomes a 'pubdate' condition, an integer unix timestamp in seconds, e.g. 'pubdate >= 1577836800'
   - an impact factor requirement becomes an 'impact_factor' condition, e.g. 'impact_factor >= 10'
   - a keyword requirement becomes an array condition, e.g. 'ARRAY_CONTAINS_ANY(keywords, ["bacteria", "virus"])'
   - multiple conditions are connected with 'AND' or 'OR'
   - conditions are generated only when the topic requires them explicitly; otherwise leave them empty
   - exception: for Emerging Trends and Research Gaps & Future Directions, always add a pubdate condition covering the latest 5 years

Literature Review Structure:
%s

Format your response as a JSON object with the following structure:
{
    "Introduction": {
        "query": "search query for introduction",
        "conditions": "condition_expression"
    },
    ...
}

Ensure your queries are specific, academic in nature, and designed to retrieve comprehensive information for each section.
Output the JSON response directly without any comments or explanations.`

const rewriteQueryPrompt = `You are an academic research assistant tasked with planning a comprehensive literature review on a specific topic.

For the given topic, you have already generated a search query for a specific section.
But with this query, we can search few relevant content from the vector database.
It may be that the query is not specific enough, or not related enough to the topic.
Please rewrite the query to make it more specific and related to the topic.

Topic: %s
Section: %s
Original Query: %s

Please output the rewritten search query directly.`

const sectionGenerationPrompt = `You are an academic writer specializing in creating comprehensive literature reviews. Based on the retrieved academic content, write a detailed section for a literature review.

Section: %s
Topic: %s

Retrieved Content:
%s

Guidelines:
1. Write a cohesive, well-structured section that thoroughly covers the topic based on the retrieved content
2. Use appropriate academic language and maintain a scholarly tone
3. Properly cite sources within the text using the format [X], where X corresponds to the chunk Reference ID from the retrieved content
4. Synthesize information rather than merely summarizing individual sources
5. Highlight consensus views as well as contrasting perspectives in the field
6. Maintain appropriate length for a section in a comprehensive literature review (approximately 800-1200 words)
7. Ensure logical flow within the section
8. Assert nothing as fact that is not grounded in the retrieved content

Your response should be a polished section ready for inclusion in the final literature review.`

const sectionOptimizationPrompt = `You are an expert academic researcher tasked with optimizing a section of a research overview.
Based on the original section and the supporting evidence, improve the section's content.

Original Section Title: %s
Original Section Content: %s

Supporting Evidence:
%s

Guidelines for Improvement:
1. Enhance the depth and breadth of analysis
2. Remove or correct claims not supported by the evidence
3. Maintain logical flow and coherence
4. Keep appropriate academic tone and the target language style
5. Properly cite sources using the [X] format, where X is the Reference ID given in the evidence
6. Write this as a section within a larger document, not as a standalone article
7. Do not write a conclusion for this single section
8. If the section already conforms, return it unchanged

Your response should be the optimized section content only.`

const abstractConclusionPrompt = `You are an expert academic researcher who specializes in writing research papers and literature reviews.
Based on the provided literature review content, please generate two distinct sections:

1. Abstract:
- Write a concise summary (200-300 words) of the entire review
- Include the main research topic, key findings, and significant conclusions
- Follow standard academic abstract format

2. Conclusion:
- Write a comprehensive conclusion (300-400 words) that synthesizes the main points
- Highlight the key contributions and implications of the research
- Discuss potential future research directions
- Maintain academic tone and style

Research Topic: %s

Literature Review Content:
%s

Please format your response as follows:

ABSTRACT:
[Your abstract text here]

CONCLUSION:
[Your conclusion text here]`

const summaryPrompt = `You are an academic assistant. Write a concise, well-structured summary of the following collection of articles. Highlight the shared themes, the most significant findings, and any notable disagreements. Cite articles with their Reference ID in [X] format. Respond in %s.

Articles:
%s`
